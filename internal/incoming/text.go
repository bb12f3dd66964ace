package incoming

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/zurustar/callcore/internal/media"
)

// Title is the headline shown for a single pending entry.
func Title(streams []*media.Stream, remote string) string {
	types := distinctTypes(streams)
	switch {
	case types[media.ScreenSharing]:
		return "Screen Sharing from " + remote
	case types[media.Video]:
		return "Video call from " + remote
	case types[media.Audio]:
		return "Audio call from " + remote
	case len(types) == 1 && types[media.FileTransfer]:
		return "File transfer from " + remote
	case len(types) == 1 && types[media.Chat]:
		return "Chat from " + remote
	default:
		return "Call from " + remote
	}
}

// MultipleTitle is shown once more than one entry is pending.
const MultipleTitle = "Multiple Incoming Calls"

// Subject describes what the remote side asks for.
func Subject(streams []*media.Stream, kind Kind) string {
	if len(streams) == 1 {
		return singleSubject(streams[0], kind)
	}

	names := make([]string, 0, len(streams))
	var screen *media.Stream
	for _, s := range streams {
		if s.Type == media.ScreenSharing {
			screen = s
			continue
		}
		names = append(names, typeName(s.Type))
	}
	switch {
	case screen != nil:
		names = append(names, screenSubject(screen))
		if kind == KindProposal {
			return "Addition of " + strings.Join(names, ", ")
		}
		return strings.Join(names, ", ")
	case media.HasType(streams, media.Video):
		return "Video call requested by"
	case kind == KindProposal:
		return fmt.Sprintf("Addition of %s requested by", strings.Join(names, ", "))
	default:
		return fmt.Sprintf("%s Session requested by", strings.Join(names, ", "))
	}
}

func singleSubject(s *media.Stream, kind Kind) string {
	switch s.Type {
	case media.FileTransfer:
		return fmt.Sprintf("Transfer of File '%s' (%s) offered by", s.FileName, humanize.IBytes(uint64(s.FileSize)))
	case media.ScreenSharing:
		return screenSubject(s)
	}
	if kind == KindProposal {
		return fmt.Sprintf("Addition of %s requested by", typeName(s.Type))
	}
	switch s.Type {
	case media.Video:
		return "Video call requested by"
	case media.Audio:
		return "Audio call requested by"
	case media.Chat:
		return "Chat Session requested by"
	default:
		return "Incoming Session request from"
	}
}

func screenSubject(s *media.Stream) string {
	if s.Role == "server" {
		return "My Screen requested by"
	}
	return "Remote Screen offered by"
}

func typeName(t media.Type) string {
	name := strings.ReplaceAll(string(t), "-", " ")
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func distinctTypes(streams []*media.Stream) map[media.Type]bool {
	types := make(map[media.Type]bool, len(streams))
	for _, s := range streams {
		types[s.Type] = true
	}
	return types
}
