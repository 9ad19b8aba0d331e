package bidi

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// handleProxied runs the socket in verbatim forwarding mode: the upstream
// endpoint the driver declared is dialed first, then every frame is relayed
// in both directions without inspection.
func (g *Gateway) handleProxied(w http.ResponseWriter, r *http.Request, sessionID, proxyURL string, log zerolog.Logger) {
	upstream, err := dialUpstream(proxyURL, g.cfg.DialTimeout)
	if err != nil {
		log.Warn().Str("url", proxyURL).Err(err).Msg("could not reach upstream socket endpoint")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = upstream.Close()
		return
	}

	sock := newSocket(sessionID, conn, log)
	sock.proxy = upstream
	sock.markReady()
	g.register(sock)

	go g.pump(sock, conn, upstream, "client to upstream")
	go g.pump(sock, upstream, conn, "upstream to client")
}

// dialUpstream connects to the driver's socket endpoint, retrying with
// exponential backoff while the driver finishes starting up.
func dialUpstream(proxyURL string, timeout time.Duration) (*websocket.Conn, error) {
	var conn *websocket.Conn
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = timeout
	err := backoff.Retry(func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.Dial(proxyURL, nil)
		return err
	}, policy)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// pump relays frames from src to dst until either side closes, then
// propagates closure. Frames are forwarded exactly as received.
func (g *Gateway) pump(sock *socket, src, dst *websocket.Conn, direction string) {
	defer func() {
		sock.markDone()
		g.remove(sock)
		_ = src.Close()
		_ = dst.Close()
	}()

	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			if closeErr, ok := err.(*websocket.CloseError); ok {
				code = remapCloseCode(closeErr.Code)
			}
			deadline := time.Now().Add(time.Second)
			_ = dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""), deadline)
			return
		}
		sock.writeMu.Lock()
		writeErr := dst.WriteMessage(messageType, data)
		sock.writeMu.Unlock()
		if writeErr != nil {
			sock.log.Debug().Str("direction", direction).Err(writeErr).Msg("proxy relay ended")
			return
		}
	}
}

// remapCloseCode coerces close codes outside the protocol-defined range into
// an internal-error code the peer is guaranteed to accept.
func remapCloseCode(code int) int {
	if code < websocket.CloseNormalClosure || code > websocket.CloseTLSHandshake {
		return websocket.CloseInternalServerErr
	}
	return code
}
