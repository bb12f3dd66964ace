package session

import (
	"fmt"

	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/media"
)

// HandleEvent applies one engine event for this controller's session.
// Unknown events are ignored.
func (c *Controller) HandleEvent(ev engine.Event) {
	if c.session == nil || (ev.Session != nil && ev.Session != c.session) {
		c.logger.Debug("Ignoring event for a previous session", logging.StringField("event", ev.Kind.String()))
		return
	}

	switch ev.Kind {
	case engine.EventNewOutgoing:
		c.logger.Info("Proposed media", logging.StringField("streams", streamTypes(ev.Streams)))
	case engine.EventWillStart:
		c.willStart()
	case engine.EventDidStart:
		c.didStart(ev)
	case engine.EventGotProvisionalResponse:
		c.provisionalResponse(ev)
	case engine.EventWillEnd:
		c.logger.Info("Session will end", logging.StringField("originator", string(ev.Originator)))
		c.endingBy = ev.Originator
		c.notify(Notification{Kind: NotifyWillEnd, Originator: ev.Originator})
	case engine.EventDidEnd:
		c.didEnd(ev)
	case engine.EventDidFail:
		c.didFail(ev)
	case engine.EventDidChangeState:
		c.changedState(ev.State)
	case engine.EventNewProposal:
		c.newProposal(ev)
	case engine.EventProposalAccepted:
		c.proposalAccepted(ev)
	case engine.EventProposalRejected:
		c.proposalRejected(ev)
	case engine.EventProposalFailed:
		c.proposalFailed(ev)
	case engine.EventDidRenegotiateStreams:
		c.renegotiated(ev)
	case engine.EventGotConferenceInfo:
		c.conferenceInfo(ev)
	case engine.EventDidAddParticipant:
		c.participantAdded(ev)
	case engine.EventDidNotAddParticipant:
		c.participantFailed(ev)
	case engine.EventParticipantProgress:
		c.participantProgress(ev)
	case engine.EventTransferNewIncoming:
		c.transferRequested(ev)
	case engine.EventTransferNewOutgoing:
		c.notify(Notification{Kind: NotifyTransferNewOutgoing, Target: ev.TransferTarget})
	case engine.EventTransferDidStart:
		c.logger.Info("Transfer started")
		c.notify(Notification{Kind: NotifyTransferDidStart, Target: ev.TransferTarget})
	case engine.EventTransferDidEnd:
		c.logger.Info("Transfer succeeded")
		c.notify(Notification{Kind: NotifyTransferDidEnd, Target: ev.TransferTarget})
	case engine.EventTransferDidFail:
		c.logger.Info("Transfer failed", logging.IntField("code", ev.Code), logging.StringField("reason", ev.Reason))
		c.notify(Notification{Kind: NotifyTransferDidFail, Code: ev.Code, Reason: ev.Reason, Target: ev.TransferTarget})
	case engine.EventTransferGotProgress:
		c.logger.Info("Transfer got progress", logging.IntField("code", ev.Code), logging.StringField("reason", ev.Reason))
		c.notify(Notification{Kind: NotifyTransferProgress, Code: ev.Code, Reason: ev.Reason, Target: ev.TransferTarget})
	default:
		c.logger.Debug("Ignoring event", logging.StringField("event", ev.Kind.String()))
	}
}

func (c *Controller) willStart() {
	c.callID = c.session.CallID()
	c.logger.Info("Session will start", logging.CallIDField(c.callID))
	if c.session.RemoteFocus() {
		c.remoteFocus = true
		c.remoteFocusLog = true
		return
	}
	// The remote party cannot host a conference.
	c.invited = nil
}

func (c *Controller) didStart(ev engine.Event) {
	c.startTime = ev.Timestamp
	if c.startTime.IsZero() {
		c.startTime = c.now()
	}
	if remote := c.session.RemoteIdentity(); remote.URI != "" && c.displayName == "" {
		c.displayName = remote.DisplayName
	}
	c.transition(StateConnected, "")
	c.logger.Info("Session started", logging.StringField("streams", streamTypes(ev.Streams)))

	accepted := make(map[media.Type]*media.Stream)
	for _, s := range ev.Streams {
		accepted[s.Type] = s
	}
	for _, h := range c.Handlers() {
		stream, ok := accepted[h.Type()]
		if !ok {
			c.logger.Info("Stream was not accepted by the remote party", logging.StringField("stream", string(h.Type())))
			c.dropHandler(h, media.StatusFailed, "Not accepted")
			continue
		}
		h.SetStream(stream)
		if err := h.ChangeStatus(media.StatusConnected, ""); err != nil {
			c.logger.Warn("Failed to update stream status", logging.ErrorField(err))
		}
	}

	for _, inv := range c.invited {
		if err := c.session.AddParticipant("sip:" + inv.URI); err != nil {
			c.logger.Info("Cannot add participant", logging.ErrorField(err))
		}
	}

	c.notify(Notification{Kind: NotifyDidStart, Streams: ev.Streams})

	if len(c.handlers) == 0 {
		c.logger.Info("Ending session without streams")
		c.End()
	}
}

func (c *Controller) provisionalResponse(ev engine.Event) {
	switch ev.Code {
	case 180:
		c.notify(Notification{Kind: NotifyRingIndication})
		return
	case 183:
		c.notify(Notification{Kind: NotifyEarlyMedia})
	default:
		c.logger.Info("Got provisional response", logging.IntField("code", ev.Code), logging.StringField("reason", ev.Reason))
	}
	c.notify(Notification{Kind: NotifyProvisionalResponse, Code: ev.Code, Reason: ev.Reason})
}

func (c *Controller) recordDialog() {
	c.callID = c.session.CallID()
	c.fromTag = c.session.FromTag()
	c.toTag = c.session.ToTag()
}

func (c *Controller) didEnd(ev engine.Event) {
	c.recordDialog()
	c.conference = nil
	c.endTime = c.now()
	c.logger.Info("Session ended", logging.StringField("originator", string(ev.Originator)))
	c.transition(StateFinished, string(ev.Originator))
	c.notify(Notification{Kind: NotifyDidEnd, Originator: ev.Originator})
	c.notify(Notification{Kind: NotifyConferenceUpdated})
	c.startDrain()
}

// FailureText picks the user visible text for a failed session.
func FailureText(reason, failureReason string) string {
	switch {
	case failureReason == "Unknown error 61":
		return "Connection refused"
	case failureReason != "" && failureReason != "user request":
		return failureReason
	case reason != "":
		return reason
	default:
		return "Session Failed"
	}
}

func shouldRetry(code int, originator engine.Originator) bool {
	return (code == 408 && originator == engine.Local) || (code >= 500 && code < 600)
}

func (c *Controller) didFail(ev engine.Event) {
	c.recordDialog()

	status := FailureText(ev.Reason, ev.FailureReason)
	c.failureReason = status
	if status == "Session Failed" {
		c.failureReason = "failed"
	}
	if ev.Code == 487 {
		c.logger.Info("Session cancelled", logging.StringField("originator", string(ev.Originator)))
	} else {
		c.logger.Info("Session failed",
			logging.IntField("code", ev.Code),
			logging.StringField("reason", ev.Reason),
			logging.StringField("failure", ev.FailureReason))
	}

	retry := len(c.routes) > 1 && shouldRetry(ev.Code, ev.Originator)
	if !retry {
		c.endTime = c.now()
		c.transition(StateFailed, status)
		c.notify(Notification{
			Kind:          NotifyDidFail,
			Originator:    ev.Originator,
			Code:          ev.Code,
			Reason:        ev.Reason,
			FailureReason: c.failureReason,
		})
		c.startDrain()
	}

	old := c.session
	c.session = nil
	c.notify(Notification{Kind: NotifyConferenceUpdated})

	proposed := c.retryStreams(old)

	switch {
	case (ev.Code == 301 || ev.Code == 302) && len(ev.RedirectIdentities) > 0:
		to := ev.RedirectIdentities[0].URI
		if !c.deps.Prompter.ConfirmRedirect(c, to) {
			return
		}
		c.logger.Info("Following redirect", logging.StringField("target", to))
		c.target = to
		c.lookupContact()
		if !c.Start(proposed...) {
			c.restartFailed(ev, status, !retry)
		}

	case retry:
		c.logger.Info("Trying alternative route")
		c.routes = c.routes[1:]
		c.tryNextHop = true
		if !c.Start(proposed...) {
			c.restartFailed(ev, status, false)
		}
	}
}

// retryStreams copies the streams of the failed attempt so the next one
// offers the same set, file names and roles included.
func (c *Controller) retryStreams(old engine.Session) []*media.Stream {
	source := old.ProposedStreams()
	if len(source) == 0 {
		for _, h := range c.handlers {
			if st := h.Stream(); st != nil {
				source = append(source, st)
			}
		}
	}
	streams := make([]*media.Stream, 0, len(source))
	for _, st := range source {
		cp := *st
		streams = append(streams, &cp)
	}
	return streams
}

// restartFailed settles a call whose follow-up attempt could not start.
// The failure notification is sent unless the caller already sent it.
func (c *Controller) restartFailed(ev engine.Event, status string, notified bool) {
	c.logger.Warn("Failed to restart session", logging.StringField("reason", status))
	c.tryNextHop = false
	c.session = nil
	if c.failureReason == "" {
		c.failureReason = status
	}
	c.endTime = c.now()
	c.transition(StateFailed, status)
	if !notified {
		c.notify(Notification{
			Kind:          NotifyDidFail,
			Originator:    ev.Originator,
			Code:          ev.Code,
			Reason:        ev.Reason,
			FailureReason: c.failureReason,
		})
	}
	c.startDrain()
}

func (c *Controller) changedState(state engine.State) {
	switch state {
	case engine.StateConnected:
		c.subState = SubStateNormal
		c.inProposal = false
	case engine.StateSendingProposal:
		c.subState = SubStateSendingProposal
	case engine.StateReceivedProposal:
		c.subState = SubStateReceivedProposal
	case engine.StateAcceptingProposal:
		c.subState = SubStateAcceptingProposal
	case engine.StateRejectingProposal:
		c.subState = SubStateRejectingProposal
	case engine.StateCancellingProposal:
		c.subState = SubStateCancellingProposal
	default:
		return
	}
	c.logger.Debug("Session sub-state changed", logging.StringField("sub_state", string(c.subState)))
}

func (c *Controller) clearProposal() {
	c.inProposal = false
	c.proposalOriginator = ""
}

func (c *Controller) newProposal(ev engine.Event) {
	c.inProposal = true
	c.proposalOriginator = ev.Originator
	if ev.Originator == engine.Local {
		return
	}

	streams := ev.Streams
	types := media.Types(streams)
	c.logger.Info("Received proposal", logging.StringField("streams", joinTypes(types)))

	for _, t := range types {
		if !c.deps.Factory.Supported(t) {
			c.logger.Info("Unsupported media type, proposal rejected", logging.StringField("stream", string(t)))
			c.RejectProposal(488, "Not Acceptable Here")
			return
		}
	}

	cfg := c.config()
	current := c.session.Streams()
	only := func(t media.Type) bool { return len(types) == 1 && types[0] == t }

	if c.contact != nil && c.contact.AutoAnswer {
		accepted := streams
		if media.HasType(streams, media.Video) && !cfg.Video.EnableWhenAutoAnswer {
			accepted = media.Filter(streams, func(s *media.Stream) bool { return s.Type != media.Video })
		}
		if len(accepted) > 0 {
			c.logger.Info("Automatically accepting proposal", logging.StringField("streams", streamTypes(accepted)))
			c.AcceptProposal(accepted)
			return
		}
	}

	if (only(media.ScreenSharing) || only(media.Chat)) && media.HasType(current, media.Audio) {
		c.logger.Info("Automatically accepting proposal for established audio call")
		c.AcceptProposal(streams)
		return
	}

	if c.account.Bonjour {
		if only(media.Chat) {
			c.logger.Info("Automatically accepting Bonjour chat")
			c.AcceptProposal(streams)
			return
		}
		if media.HasType(streams, media.Audio) && c.account.Audio.AutoAccept && !c.deps.AudioBusy(c.id) {
			c.logger.Info("Automatically accepting Bonjour audio and chat")
			c.AcceptProposal(media.OfTypes(streams, media.Audio, media.Chat))
			return
		}
	}

	if c.contact != nil {
		if cfg.Chat.AutoAccept && only(media.Chat) {
			c.logger.Info("Automatically accepting chat")
			c.AcceptProposal(streams)
			return
		}
		if cfg.FileTransfer.AutoAccept && only(media.FileTransfer) {
			c.logger.Info("Automatically accepting file transfer")
			c.AcceptProposal(streams)
			return
		}
	}

	if c.SendRingIndication() != OK {
		return
	}
	c.notify(Notification{Kind: NotifyGotProposal, Streams: streams})
}

func (c *Controller) proposalAccepted(ev engine.Event) {
	c.clearProposal()
	c.logger.Info("Proposal accepted")
	for _, stream := range ev.Streams {
		h := c.handlerForStream(stream)
		if h == nil {
			if c.cancelledStream == stream {
				c.logger.Info("Cancelled proposal was accepted by remote, removing stream",
					logging.StringField("stream", string(stream.Type)))
				if err := c.session.RemoveStream(stream); err != nil {
					c.logger.Info("Cannot remove stream", logging.ErrorField(err))
				} else {
					c.cancelledStream = nil
				}
			}
			continue
		}
		if err := h.ChangeStatus(media.StatusConnected, ""); err != nil {
			c.logger.Warn("Failed to update stream status", logging.ErrorField(err))
		}
	}
	c.notify(Notification{Kind: NotifyProposalAccepted, Streams: ev.Streams})
}

func (c *Controller) proposalRejected(ev engine.Event) {
	c.clearProposal()
	if ev.Code == 487 {
		c.logger.Info("Proposal cancelled")
	} else {
		c.logger.Info("Proposal was rejected", logging.IntField("code", ev.Code), logging.StringField("reason", ev.Reason))
	}

	c.notify(Notification{Kind: NotifyProposalRejected, Code: ev.Code, Reason: ev.Reason, Streams: ev.Streams})
	if ev.Code > 500 {
		c.notify(Notification{Kind: NotifyProposalFailed, Code: ev.Code, Reason: ev.Reason, Streams: ev.Streams})
	}

	for _, stream := range ev.Streams {
		if stream == c.cancelledStream {
			c.cancelledStream = nil
		}
		if h := c.handlerForStream(stream); h != nil {
			c.logger.Info("Removing stream", logging.StringField("stream", string(stream.Type)))
			c.dropHandler(h, media.StatusFailed, ev.Reason)
		}
	}
}

func (c *Controller) proposalFailed(ev engine.Event) {
	c.clearProposal()
	c.logger.Info("Proposal failure", logging.StringField("reason", ev.FailureReason))
	c.notify(Notification{Kind: NotifyProposalFailed, FailureReason: ev.FailureReason, Streams: ev.Streams})

	for _, stream := range ev.Streams {
		if stream == c.cancelledStream {
			c.cancelledStream = nil
		}
		if h := c.handlerForStream(stream); h != nil {
			c.dropHandler(h, media.StatusFailed, ev.FailureReason)
		}
	}
}

func (c *Controller) renegotiated(ev engine.Event) {
	c.clearProposal()

	for _, stream := range ev.Added {
		h := c.handlerForStream(stream)
		if h == nil {
			h = c.HandlerOfType(stream.Type)
		}
		if h == nil || h.Status() == media.StatusConnected {
			continue
		}
		h.SetStream(stream)
		if err := h.ChangeStatus(media.StatusConnected, ""); err != nil {
			c.logger.Warn("Failed to update stream status", logging.ErrorField(err))
		}
	}
	for _, stream := range ev.Removed {
		h := c.handlerForStream(stream)
		if h == nil {
			h = c.HandlerOfType(stream.Type)
		}
		if h != nil {
			c.dropHandler(h, media.StatusIdle, "removed")
		}
	}

	if len(c.session.Streams()) == 0 {
		c.logger.Info("Ending session without streams")
		c.End()
	}
	c.notify(Notification{Kind: NotifyDidRenegotiate, Streams: c.session.Streams()})
}

func (c *Controller) conferenceInfo(ev engine.Event) {
	if c.State() == StateFinished || ev.Conference == nil {
		return
	}
	c.logger.Info("Received conference-info update")
	c.conference = ev.Conference

	for _, user := range ev.Conference.Users {
		uri := stripScheme(user.Entity)
		if uri != c.account.ID {
			c.participantsLog[uri] = struct{}{}
		}
		c.removeInvitee(uri)
	}
	c.notify(Notification{Kind: NotifyConferenceUpdated})
}

func (c *Controller) participantAdded(ev engine.Event) {
	c.logger.Info("Added participant to conference", logging.StringField("participant", ev.Participant))
	if c.removeInvitee(stripScheme(ev.Participant)) {
		c.notify(Notification{Kind: NotifyConferenceUpdated})
	}
}

// ParticipantFailureText describes why an invitee did not join.
func ParticipantFailureText(code int, reason string) string {
	switch code {
	case 487:
		return "Nobody answered"
	case 408:
		return "Unreachable"
	case 486:
		return "Busy"
	case 603:
		return "Busy Everywhere"
	}
	if code != 0 {
		reason = fmt.Sprintf("%s (%d)", reason, code)
	}
	return "Invitation failed: " + reason
}

// ParticipantProgressText describes an invitation in progress. The second
// result is false for codes that carry no progress.
func ParticipantProgressText(code int, reason string) (string, bool) {
	switch {
	case code == 100:
		return "Connecting...", true
	case code == 180 || code == 183:
		return "Ringing...", true
	case code == 200:
		return "Invitation accepted", true
	case code < 400:
		return fmt.Sprintf("%s (%d)", reason, code), true
	}
	return "", false
}

func (c *Controller) participantFailed(ev engine.Event) {
	c.logger.Info("Failed to add participant to conference",
		logging.StringField("participant", ev.Participant),
		logging.IntField("code", ev.Code),
		logging.StringField("reason", ev.Reason))

	_, inv := c.invitee(stripScheme(ev.Participant))
	if inv == nil {
		c.logger.Info("Participant not in the invited list", logging.StringField("participant", ev.Participant))
		return
	}
	inv.Detail = fmt.Sprintf("%s (%d)", ev.Reason, ev.Code)
	inv.FailedAt = c.now()
	if ev.Code >= 400 || ev.Code == 0 {
		inv.Detail = ParticipantFailureText(ev.Code, ev.Reason)
	}
	c.notify(Notification{Kind: NotifyConferenceUpdated})
}

func (c *Controller) participantProgress(ev engine.Event) {
	_, inv := c.invitee(stripScheme(ev.Participant))
	if inv == nil {
		return
	}
	if text, ok := ParticipantProgressText(ev.Code, ev.Reason); ok {
		inv.Detail = text
	}
	c.notify(Notification{Kind: NotifyConferenceUpdated})
}

func (c *Controller) transferRequested(ev engine.Event) {
	c.logger.Info("Incoming transfer request", logging.StringField("target", ev.TransferTarget))
	c.notify(Notification{Kind: NotifyTransferNewIncoming, Target: ev.TransferTarget})

	switch {
	case c.account.Audio.AutoTransfer:
		c.logger.Info("Auto-accepting transfer request")
		c.AcceptTransfer()
	case c.deps.Prompter.ConfirmTransfer(c, ev.TransferTarget):
		c.AcceptTransfer()
	default:
		c.RejectTransfer()
	}
}
