package session

import (
	"strings"
	"unicode/utf8"

	"github.com/vango-go/vai-voice/pkg/core/toolcall"
)

type gateState int

const (
	gateIdle gateState = iota
	gateBuffering
	gateFlowing
	gateIntercepting
)

func (g gateState) String() string {
	switch g {
	case gateIdle:
		return "idle"
	case gateBuffering:
		return "buffering"
	case gateFlowing:
		return "flowing"
	case gateIntercepting:
		return "intercepting"
	default:
		return "unknown"
	}
}

// audioGate holds one assistant turn's audio until the turn is known to be
// speech. It never emits anything itself: push and flush return the frames
// the caller must deliver, in order.
type audioGate struct {
	state gateState
	queue [][]byte
}

func (g *audioGate) begin() {
	g.state = gateBuffering
	g.queue = nil
}

func (g *audioGate) push(frame []byte) [][]byte {
	switch g.state {
	case gateIdle:
		g.begin()
		g.queue = append(g.queue, frame)
	case gateBuffering:
		g.queue = append(g.queue, frame)
	case gateFlowing:
		return [][]byte{frame}
	}
	return nil
}

func (g *audioGate) flush() [][]byte {
	out := g.queue
	g.queue = nil
	g.state = gateFlowing
	return out
}

func (g *audioGate) discard() int {
	n := len(g.queue)
	g.queue = nil
	g.state = gateIntercepting
	return n
}

func (g *audioGate) reset() {
	g.state = gateIdle
	g.queue = nil
}

type gateDecision int

const (
	gateUndecided gateDecision = iota
	gateFlow
	gateIntercept
)

// classifyTurnText decides a BUFFERING turn from its transcript so far. A
// JSON or code-fence opening intercepts at once; the lexical signature check
// waits for minSignature runes; text longer than flowThreshold without a
// signature is speech.
func classifyTurnText(d *toolcall.Detector, text string, minSignature, flowThreshold int) gateDecision {
	text = strings.TrimSpace(text)
	if text == "" {
		return gateUndecided
	}
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "`") {
		return gateIntercept
	}
	n := utf8.RuneCountInString(text)
	if n >= minSignature && d.HasSignature(text) {
		return gateIntercept
	}
	if n > flowThreshold {
		return gateFlow
	}
	return gateUndecided
}

// classifyTurn advances the gate from the assistant text seen so far.
func (s *LiveSession) classifyTurn(text string) {
	if s.gate.state != gateBuffering {
		return
	}
	switch classifyTurnText(s.detector, text, s.cfg.GateSignatureMinChars, s.cfg.GateFlowThresholdChars) {
	case gateIntercept:
		s.interceptTurn("signature")
	case gateFlow:
		s.flowTurn("speech")
	}
}

// resolveGateAtTurnEnd settles a turn that ended while still buffering.
// Short replies without a signature are still heard.
func (s *LiveSession) resolveGateAtTurnEnd() {
	if s.gate.state != gateBuffering {
		return
	}
	if s.detector.HasSignature(s.turn.text) {
		s.interceptTurn("signature_at_end")
		return
	}
	s.flowTurn("end_of_turn")
}

func (s *LiveSession) flowTurn(reason string) {
	frames := s.gate.flush()
	s.metrics.GateDecision("flowing")
	s.logger.Debug("audio gate flowing", "turn", s.turn.index, "reason", reason, "frames", len(frames))
	for _, f := range frames {
		s.sendAssistantAudio(f)
	}
}

func (s *LiveSession) interceptTurn(reason string) {
	if s.gate.state == gateIntercepting {
		return
	}
	dropped := s.gate.discard()
	s.metrics.GateDecision("intercepting")
	s.logger.Debug("audio gate intercepting", "turn", s.turn.index, "reason", reason, "dropped_frames", dropped)
}

// onModelAudio applies the drop rule before anything else: audio of an
// interrupted or intercepted turn is discarded without logging.
func (s *LiveSession) onModelAudio(frame []byte) {
	if s.turn.interrupted || s.gate.state == gateIntercepting {
		return
	}
	for _, f := range s.gate.push(frame) {
		s.sendAssistantAudio(f)
	}
}
