package server

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/protocol/codec"
	"github.com/zeusync/scenesync/internal/core/simulation"
	"github.com/zeusync/scenesync/internal/host"
)

// worker is the simulation side of the host boundary: it decodes incoming
// frames onto the loop and encodes the session's packets back into frames.
type worker struct {
	codec  codec.Codec
	loop   *simulation.Loop
	logger log.Log

	// set by Run before the loop starts; only the loop goroutine reads them
	ctx context.Context
	out chan<- host.Message
}

var _ host.Worker = (*worker)(nil)

func newWorker(c codec.Codec, logger log.Log) *worker {
	return &worker{codec: c, logger: logger.With(log.String("component", "worker"))}
}

// Send implements replication.Outbound.
func (w *worker) Send(to string, p protocol.Packet) {
	if w.out == nil {
		return
	}
	frame, err := w.codec.Encode(p)
	if err != nil {
		w.logger.Error("failed to encode packet", log.Connection(to), log.Packet(string(p.Type())), log.Error(err))
		return
	}
	select {
	case w.out <- host.Outgoing(to, frame):
	case <-w.ctx.Done():
	}
}

func (w *worker) Run(ctx context.Context, in <-chan host.Message, out chan<- host.Message) error {
	w.ctx, w.out = ctx, out

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.loop.Run(gctx)
	})
	g.Go(func() error {
		select {
		case out <- host.StatusMessage(host.StatusReady):
		case <-gctx.Done():
			return nil
		}
		for {
			select {
			case <-gctx.Done():
				return nil
			case m := <-in:
				w.dispatch(m)
			}
		}
	})

	err := g.Wait()
	select {
	case out <- host.StatusMessage(host.StatusStopped):
	default:
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *worker) dispatch(m host.Message) {
	switch m.Kind {
	case host.KindConnectionEstablished:
		w.loop.Connected(m.ConnectionID)
	case host.KindConnectionDropped:
		w.loop.Disconnected(m.ConnectionID)
	case host.KindIncomingPacket:
		p, err := w.codec.Decode(m.Frame)
		if err != nil {
			w.logger.Warn("frame rejected",
				log.Connection(m.ConnectionID),
				log.Int("code", int(protocol.GetErrorCode(err))),
				log.Error(err))
			return
		}
		w.loop.Deliver(m.ConnectionID, p)
	default:
		w.logger.Warn("unexpected message from host", log.String("kind", m.Kind.String()))
	}
}
