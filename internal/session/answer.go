package session

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/emiago/sipgo/sip"

	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/media"
)

// Accept answers an incoming call with streams.
func (c *Controller) Accept(streams []*media.Stream, addToConference bool) Result {
	return c.handleIncomingStreams(streams, false, addToConference)
}

// AcceptProposal accepts streams the remote side proposed. Handlers are
// started before the engine accepts so media can flow at once.
func (c *Controller) AcceptProposal(streams []*media.Stream) Result {
	if res := c.handleIncomingStreams(streams, true, false); res != OK {
		return res
	}
	if c.session == nil {
		return IllegalState
	}
	if err := c.session.AcceptProposal(streams); err != nil {
		c.logger.Info("Cannot accept proposal", logging.ErrorField(err))
		return IllegalState
	}
	return OK
}

func (c *Controller) handleIncomingStreams(streams []*media.Stream, isUpdate, addToConference bool) Result {
	if c.session == nil {
		return IllegalState
	}

	// Chat first so a composite offer is presented as a chat.
	sorted := make([]*media.Stream, len(streams))
	copy(sorted, streams)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Type == media.Chat && sorted[j].Type != media.Chat
	})

	err := func() error {
		handled := make(map[media.Type]bool)
		for _, stream := range sorted {
			if !c.deps.Factory.Supported(stream.Type) {
				return errors.Wrapf(media.ErrUnsupportedType, "incoming %s stream", stream.Type)
			}
			if handled[stream.Type] {
				c.logger.Info("Stream type already handled", logging.StringField("stream", string(stream.Type)))
				continue
			}
			handled[stream.Type] = true

			h := c.HandlerOfType(stream.Type)
			if h == nil {
				created, err := c.deps.Factory.Create(c.id, stream)
				if err != nil {
					return err
				}
				h = created
				c.handlers = append(c.handlers, h)
				c.logStream(stream.Type)
			} else {
				h.SetStream(stream)
			}

			opts := media.IncomingOptions{IsUpdate: isUpdate}
			if stream.Type == media.Audio {
				opts.AnsweringMachine = c.answeringMachine
				opts.AddToConference = addToConference
				if c.answeringMachine {
					c.accountingForAM = true
				}
			}
			if err := h.StartIncoming(opts); err != nil {
				return err
			}
		}
		if !isUpdate {
			return c.session.Accept(streams)
		}
		return nil
	}()
	if err == nil {
		return OK
	}

	if isUpdate {
		c.logger.Info("Error initializing additional streams", logging.ErrorField(err))
		return IllegalState
	}

	c.logger.Info("Error initializing incoming session, rejecting it", logging.ErrorField(err))
	if rerr := c.session.Reject(500, ""); rerr != nil {
		c.logger.Debug("Reject after failed accept refused", logging.ErrorField(rerr))
	}
	c.notify(Notification{
		Kind:          NotifyDidFail,
		Originator:    engine.Local,
		Code:          500,
		Reason:        "Session already terminated",
		FailureReason: err.Error(),
	})
	return IllegalState
}

// Reject declines an incoming call.
func (c *Controller) Reject(code int, reason string) Result {
	if c.session == nil {
		return IllegalState
	}
	if err := c.session.Reject(code, reason); err != nil {
		c.logger.Info("Cannot reject session", logging.ErrorField(err))
		return IllegalState
	}
	return OK
}

// RejectProposal declines the streams the remote side proposed.
func (c *Controller) RejectProposal(code int, reason string) Result {
	if c.session == nil {
		return IllegalState
	}
	if err := c.session.RejectProposal(code, reason); err != nil {
		c.logger.Info("Cannot reject proposal", logging.ErrorField(err))
		return IllegalState
	}
	return OK
}

// SendRingIndication tells the caller we are alerting the user.
func (c *Controller) SendRingIndication() Result {
	if c.session == nil {
		return IllegalState
	}
	if err := c.session.SendRingIndication(); err != nil {
		c.logger.Info("Cannot send ring indication", logging.ErrorField(err))
		return IllegalState
	}
	return OK
}

// Transfer asks the remote party to call target, optionally replacing the
// call held by replaced.
func (c *Controller) Transfer(target string, replaced *Controller) Result {
	if c.session == nil {
		return IllegalState
	}
	uri, err := c.transferTarget(target)
	if err != nil {
		c.logger.Info("Bogus SIP URI for transfer", logging.StringField("target", target), logging.ErrorField(err))
		return IllegalState
	}

	var replacedSession engine.Session
	if replaced != nil {
		replacedSession = replaced.session
	}
	if err := c.session.Transfer(uri, replacedSession); err != nil {
		c.logger.Info("Cannot transfer session", logging.ErrorField(err))
		return IllegalState
	}
	c.logger.Info("Outgoing transfer request", logging.StringField("target", uri))
	return OK
}

func (c *Controller) transferTarget(target string) (string, error) {
	uri := strings.TrimSpace(target)
	if !strings.Contains(uri, "@") {
		uri = uri + "@" + c.account.Domain()
	}
	if !strings.HasPrefix(uri, "sip:") && !strings.HasPrefix(uri, "sips:") {
		uri = "sip:" + uri
	}
	var parsed sip.Uri
	if err := sip.ParseUri(uri, &parsed); err != nil {
		return "", err
	}
	return uri, nil
}

// AcceptTransfer accepts an incoming transfer request.
func (c *Controller) AcceptTransfer() Result {
	if c.session == nil {
		return IllegalState
	}
	c.logger.Info("Transfer request accepted")
	if err := c.session.AcceptTransfer(); err != nil {
		c.logger.Info("Cannot accept transfer", logging.ErrorField(err))
		return IllegalState
	}
	return OK
}

// RejectTransfer declines an incoming transfer request.
func (c *Controller) RejectTransfer() Result {
	if c.session == nil {
		return IllegalState
	}
	c.logger.Info("Transfer request rejected")
	if err := c.session.RejectTransfer(603, "Declined"); err != nil {
		c.logger.Info("Cannot reject transfer", logging.ErrorField(err))
		return IllegalState
	}
	return OK
}

// InviteParticipant asks the conference focus to bring uri in. Before the
// call is up the invitation is queued and sent once it starts.
func (c *Controller) InviteParticipant(uri string) Result {
	uri = stripScheme(uri)
	if _, inv := c.invitee(uri); inv == nil {
		c.invited = append(c.invited, &Invitee{URI: uri})
	}
	if c.State() != StateConnected || c.session == nil {
		return OK
	}
	if err := c.session.AddParticipant("sip:" + uri); err != nil {
		c.logger.Info("Cannot add participant", logging.ErrorField(err))
		return IllegalState
	}
	return OK
}

// RemoveParticipant asks the conference focus to drop uri.
func (c *Controller) RemoveParticipant(uri string) Result {
	uri = stripScheme(uri)
	if c.removeInvitee(uri) {
		c.notify(Notification{Kind: NotifyConferenceUpdated})
	}
	if c.State() != StateConnected || c.session == nil || !c.remoteFocus {
		return OK
	}
	if err := c.session.RemoveParticipant("sip:" + uri); err != nil {
		c.logger.Info("Cannot remove participant", logging.ErrorField(err))
		return IllegalState
	}
	return OK
}

func stripScheme(uri string) string {
	uri = strings.TrimSpace(uri)
	uri = strings.TrimPrefix(uri, "sips:")
	return strings.TrimPrefix(uri, "sip:")
}
