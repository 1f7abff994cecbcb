package deepgram

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/callbridge/pkg/provider/stt"
)

// ErrSessionClosed is returned by SendAudio after Finish or Close.
var ErrSessionClosed = errors.New("deepgram: session is closed")

// session implements stt.SessionHandle. A writer goroutine owns all frames
// going up; a reader goroutine owns the transcript channels and closes them
// when the socket ends.
type session struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	keepAlive time.Duration

	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	finishing  chan struct{}
	finishOnce sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

func startSession(ctx context.Context, conn *websocket.Conn, keepAlive time.Duration) *session {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		conn:      conn,
		cancel:    cancel,
		keepAlive: keepAlive,
		audio:     make(chan []byte, 256),
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		finishing: make(chan struct{}),
		closed:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.read(ctx)
	go s.write(ctx)
	return s
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.finishing:
		return ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.finishing:
		return ErrSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// Finish stops accepting audio. Queued audio is still sent, followed by
// CloseStream; Deepgram answers with the remaining results and hangs up.
func (s *session) Finish() error {
	s.finishOnce.Do(func() { close(s.finishing) })
	return nil
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.Finish()
		close(s.closed)
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

func (s *session) write(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		tick = t.C
	}
	send := func(chunk []byte) bool {
		return s.conn.Write(ctx, websocket.MessageBinary, chunk) == nil
	}

	for {
		select {
		case chunk := <-s.audio:
			if !send(chunk) {
				return
			}
		case <-tick:
			if wsjson.Write(ctx, s.conn, keepAliveMsg) != nil {
				return
			}
		case <-s.finishing:
			for {
				select {
				case chunk := <-s.audio:
					if !send(chunk) {
						return
					}
				default:
					_ = wsjson.Write(ctx, s.conn, closeStreamMsg)
					return
				}
			}
		case <-s.closed:
			return
		}
	}
}

func (s *session) read(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		typ, frame, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		t, ok := decode(frame)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.closed:
			return
		}
	}
}
