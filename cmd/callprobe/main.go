// Command callprobe drives full call handshakes between pairs of users
// against a running server and reports how long each took.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cipherchat/internal/call"
	"cipherchat/internal/identity"
	"cipherchat/internal/protocol"
)

type options struct {
	wsURL      string
	secret     string
	issuer     string
	pairs      int
	candidates int
	timeout    time.Duration
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:   "callprobe",
		Short: "Run offer/ringing/answer/ice/hang-up handshakes between user pairs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer log.Sync()
			return probe(cmd.Context(), opts, log)
		},
	}
	cmd.Flags().StringVar(&opts.wsURL, "url", "ws://localhost:8080/ws", "websocket endpoint")
	cmd.Flags().StringVar(&opts.secret, "secret", os.Getenv("JWT_SECRET"), "HS256 secret used to mint probe tokens")
	cmd.Flags().StringVar(&opts.issuer, "issuer", os.Getenv("JWT_ISSUER"), "token issuer")
	cmd.Flags().IntVar(&opts.pairs, "pairs", 10, "concurrent caller/callee pairs")
	cmd.Flags().IntVar(&opts.candidates, "candidates", 5, "ICE candidates each side sends")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-pair deadline")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func probe(ctx context.Context, opts options, log *zap.Logger) error {
	if opts.secret == "" {
		return errors.New("--secret or JWT_SECRET is required")
	}
	verifier := identity.NewVerifier(opts.secret, opts.issuer)
	log.Info("starting call probe", zap.Int("pairs", opts.pairs), zap.String("url", opts.wsURL))

	var (
		failed int64
		mu     sync.Mutex
		worst  time.Duration
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.pairs; i++ {
		pairID := i
		g.Go(func() error {
			start := time.Now()
			if err := runPair(ctx, opts, verifier, pairID); err != nil {
				atomic.AddInt64(&failed, 1)
				log.Warn("pair failed", zap.Int("pair", pairID), zap.Error(err))
				return nil
			}
			took := time.Since(start)
			mu.Lock()
			if took > worst {
				worst = took
			}
			mu.Unlock()
			log.Debug("pair completed", zap.Int("pair", pairID), zap.Duration("took", took))
			return nil
		})
	}
	g.Wait()

	log.Info("call probe complete", zap.Int("pairs", opts.pairs), zap.Int64("failed", failed), zap.Duration("slowest", worst))
	if failed > 0 {
		return fmt.Errorf("%d of %d pairs failed", failed, opts.pairs)
	}
	return nil
}

// peer is one probe user: a socket plus its local call state. A reader
// goroutine feeds frames so waits can time out without touching the
// socket's read deadline.
type peer struct {
	id      string
	conn    *websocket.Conn
	session *call.Session
	frames  chan protocol.Frame
	readErr chan error
}

func dial(opts options, v *identity.Verifier, id string) (*peer, error) {
	tok, err := v.Sign(identity.Identity{UserID: id, DisplayName: id}, time.Hour)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(opts.wsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", id, err)
	}
	p := &peer{
		id:      id,
		conn:    conn,
		session: call.NewSession(nil),
		frames:  make(chan protocol.Frame, 64),
		readErr: make(chan error, 1),
	}
	go p.readLoop()
	return p, nil
}

func (p *peer) readLoop() {
	defer close(p.frames)
	for {
		var f protocol.Frame
		if err := p.conn.ReadJSON(&f); err != nil {
			p.readErr <- err
			return
		}
		p.frames <- f
	}
}

func (p *peer) signal(kind protocol.SignalKind, sig protocol.Signal) error {
	return p.conn.WriteJSON(map[string]any{"event": kind.Event(), "data": sig})
}

var (
	errUnreachable = errors.New("peer unreachable")
	errTimeout     = errors.New("timed out")
)

// next returns the next frame, or errTimeout once wait elapses.
func (p *peer) next(wait time.Duration) (protocol.Frame, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case f, ok := <-p.frames:
		if !ok {
			return f, fmt.Errorf("%s: %w", p.id, <-p.readErr)
		}
		return f, nil
	case <-timer.C:
		return protocol.Frame{}, errTimeout
	}
}

// expect waits for the next webrtc:<kind> frame and applies it to the
// session.
func (p *peer) expect(kind protocol.SignalKind, deadline time.Time) (protocol.RelayedSignal, error) {
	for {
		f, err := p.next(time.Until(deadline))
		if err != nil {
			return protocol.RelayedSignal{}, fmt.Errorf("%s waiting for %s: %w", p.id, kind, err)
		}
		if f.Event == protocol.EventSignalError {
			return protocol.RelayedSignal{}, errUnreachable
		}
		if f.Event != kind.Event() {
			continue
		}
		var rs protocol.RelayedSignal
		if err := json.Unmarshal(f.Data, &rs); err != nil {
			return rs, err
		}
		return rs, p.session.Receive(kind, rs.From, rs.CallType)
	}
}

func runPair(ctx context.Context, opts options, v *identity.Verifier, pairID int) error {
	deadline := time.Now().Add(opts.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	caller, err := dial(opts, v, fmt.Sprintf("probe_%d_a", pairID))
	if err != nil {
		return err
	}
	defer caller.conn.Close()
	callee, err := dial(opts, v, fmt.Sprintf("probe_%d_b", pairID))
	if err != nil {
		return err
	}
	defer callee.conn.Close()

	// 1. Offer, retried while the callee's registration lands.
	if err := caller.session.Dial(callee.id, "audio"); err != nil {
		return err
	}
	offer := protocol.Signal{RecipientUID: callee.id, Offer: json.RawMessage(`{"type":"offer","sdp":"probe"}`), CallType: "audio", CallerName: caller.id}
	for attempt := 0; ; attempt++ {
		if err := caller.signal(protocol.SignalOffer, offer); err != nil {
			return err
		}
		// An unreachable callee answers with webrtc:error; silence means
		// the offer went through.
		f, err := caller.next(200 * time.Millisecond)
		if errors.Is(err, errTimeout) {
			break
		}
		if err != nil {
			return err
		}
		if f.Event != protocol.EventSignalError {
			break
		}
		if attempt == 5 {
			return errUnreachable
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}

	// 2. Callee rings and answers.
	if _, err := callee.expect(protocol.SignalOffer, deadline); err != nil {
		return err
	}
	if err := callee.signal(protocol.SignalRinging, protocol.Signal{RecipientUID: caller.id}); err != nil {
		return err
	}
	if _, err := caller.expect(protocol.SignalRinging, deadline); err != nil {
		return err
	}
	if err := callee.session.Fire(call.Accept, ""); err != nil {
		return err
	}
	if err := callee.signal(protocol.SignalAnswer, protocol.Signal{RecipientUID: caller.id, Answer: json.RawMessage(`{"type":"answer","sdp":"probe"}`)}); err != nil {
		return err
	}
	if _, err := caller.expect(protocol.SignalAnswer, deadline); err != nil {
		return err
	}

	// 3. Candidates both ways, every one relayed.
	for i := 0; i < opts.candidates; i++ {
		cand := json.RawMessage(fmt.Sprintf(`{"candidate":"probe %d","sdpMLineIndex":0}`, i))
		if err := caller.signal(protocol.SignalICECandidate, protocol.Signal{RecipientUID: callee.id, Candidate: cand}); err != nil {
			return err
		}
		if err := callee.signal(protocol.SignalICECandidate, protocol.Signal{RecipientUID: caller.id, Candidate: cand}); err != nil {
			return err
		}
	}
	for i := 0; i < opts.candidates; i++ {
		if _, err := callee.expect(protocol.SignalICECandidate, deadline); err != nil {
			return err
		}
		if _, err := caller.expect(protocol.SignalICECandidate, deadline); err != nil {
			return err
		}
	}

	// 4. Hang up.
	if err := caller.session.Fire(call.HangUp, ""); err != nil {
		return err
	}
	if err := caller.signal(protocol.SignalHangUp, protocol.Signal{RecipientUID: callee.id}); err != nil {
		return err
	}
	if _, err := callee.expect(protocol.SignalHangUp, deadline); err != nil {
		return err
	}

	if caller.session.State() != call.Ended || callee.session.State() != call.Ended {
		return fmt.Errorf("unexpected final states %s/%s", caller.session.State(), callee.session.State())
	}
	return nil
}
