package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/clipboard"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/codec"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/session"
)

// runControlLoop reads the master's control-stream traffic for the
// lifetime of one session: it answers Pings (RunKeepalive only sends, it
// never reads), applies relayed ClipboardData locally, and logs
// Disconnect/ErrorMsg. It returns once the stream fails or ctx is done,
// at which point cancel tears down the rest of the session so the outer
// loop in run() reconnects.
func runControlLoop(ctx context.Context, sess *session.Session, clip capability.ClipboardAccess, cancel context.CancelFunc, logger zerolog.Logger) {
	defer cancel()

	var clipRx clipboard.Reassembler
	for {
		msg, err := sess.RecvControl()
		if err != nil {
			if ctx.Err() == nil {
				logger.Info().Err(err).Msg("kvmc: control stream closed")
			}
			return
		}
		switch m := msg.(type) {
		case codec.Ping:
			_ = sess.SendControl(codec.Pong{EchoToken: m.EchoToken})
		case codec.Pong:
			// handled by Session.RecvControl itself (updates lastPongUS)
		case codec.ScreenInfoAck:
			// nothing to do; ScreenInfo was fire-and-forget
		case codec.ClipboardData:
			format, data, ok, err := clipRx.Add(m.Format, m.Data, m.More)
			if err != nil {
				logger.Warn().Err(err).Msg("kvmc: clipboard fragment rejected")
				continue
			}
			if ok && clip != nil {
				if err := clip.Write(ctx, format, data); err != nil {
					logger.Warn().Err(err).Msg("kvmc: failed to apply clipboard locally")
				}
			}
		case codec.Disconnect:
			logger.Info().Uint8("reason", uint8(m.Reason)).Msg("kvmc: master sent disconnect")
			return
		case codec.ErrorMsg:
			logger.Warn().Uint8("code", uint8(m.Code)).Str("detail", m.Detail).Msg("kvmc: master reported error")
		default:
			logger.Debug().Msg("kvmc: unhandled control message type")
		}
	}
}
