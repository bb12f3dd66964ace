package media

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pion/sdp/v3"
)

// ParseOffer classifies the media sections of an SDP body into streams.
// Sections that are rejected (port 0) or not recognised are skipped.
func ParseOffer(body []byte) ([]*Stream, error) {
	if len(body) == 0 {
		return nil, errors.New("empty SDP body")
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, errors.Wrap(err, "failed to parse SDP")
	}

	var streams []*Stream
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		stream := classify(md)
		if stream == nil {
			continue
		}
		stream.Direction = direction(md)
		streams = append(streams, stream)
	}
	return streams, nil
}

func classify(md *sdp.MediaDescription) *Stream {
	switch md.MediaName.Media {
	case "audio":
		return &Stream{Type: Audio}
	case "video":
		return &Stream{Type: Video}
	case "message":
		return classifyMSRP(md)
	case "application":
		if hasFormat(md, "rfb") {
			return &Stream{Type: DesktopSharing, Role: roleFromSetup(md)}
		}
	}
	return nil
}

// classifyMSRP tells chat, file transfer and screen sharing apart by the
// payloads the section accepts.
func classifyMSRP(md *sdp.MediaDescription) *Stream {
	if selector, ok := md.Attribute("file-selector"); ok {
		name, size := parseFileSelector(selector)
		return &Stream{Type: FileTransfer, FileName: name, FileSize: size}
	}

	acceptTypes, _ := md.Attribute("accept-types")
	switch {
	case strings.Contains(acceptTypes, "application/x-rfb"):
		return &Stream{Type: ScreenSharing, Role: roleFromSetup(md)}
	case strings.Contains(acceptTypes, "message/cpim"),
		strings.Contains(acceptTypes, "text/plain"),
		acceptTypes == "*":
		return &Stream{Type: Chat}
	}
	return nil
}

func hasFormat(md *sdp.MediaDescription, format string) bool {
	for _, f := range md.MediaName.Formats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

func direction(md *sdp.MediaDescription) string {
	for _, d := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := md.Attribute(d); ok {
			return d
		}
	}
	return "sendrecv"
}

// roleFromSetup maps the offerer's setup attribute onto our sharing role.
// An offerer that connects actively wants to view our screen.
func roleFromSetup(md *sdp.MediaDescription) string {
	if setup, ok := md.Attribute("setup"); ok && setup == "active" {
		return "server"
	}
	return "viewer"
}

// parseFileSelector reads name:"x" size:n from a file-selector attribute.
func parseFileSelector(value string) (string, int64) {
	var name string
	var size int64

	if i := strings.Index(value, `name:"`); i >= 0 {
		rest := value[i+len(`name:"`):]
		if j := strings.Index(rest, `"`); j >= 0 {
			name = rest[:j]
		}
	}
	for _, field := range strings.Fields(value) {
		if strings.HasPrefix(field, "size:") {
			if n, err := strconv.ParseInt(strings.TrimPrefix(field, "size:"), 10, 64); err == nil {
				size = n
			}
		}
	}
	return name, size
}
