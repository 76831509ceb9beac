package proxy

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/decloud/controlplane/internal/app/metrics"
)

// spliceBufferSize is the per-direction copy buffer for WebSocket
// splicing.
const spliceBufferSize = 64 * 1024

// Kind selects the agent-side channel a WebSocket session attaches to.
type Kind string

const (
	KindTerminal Kind = "terminal"
	KindSFTP     Kind = "sftp"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  spliceBufferSize,
	WriteBufferSize: spliceBufferSize,
	// Origin is enforced by the authenticated API layer in front of this
	// handler; the proxy itself accepts any upgraded request.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWebSocket bridges a browser WebSocket to the VM's agent channel.
// Authorization and ownership checks happen in the HTTP layer before this
// is called; here the VM-running and reachability rules apply.
func (p *Proxy) ServeWebSocket(w http.ResponseWriter, r *http.Request, vmID string, kind Kind) {
	tgt, status, err := p.targetForVM(r.Context(), vmID, "")
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	upstreamURL := fmt.Sprintf("ws://%s:%d/api/vms/%s/%s", tgt.host, tgt.agentPort, vmID, kind)
	if tgt.privateIP != "" {
		upstreamURL += "?ip=" + tgt.privateIP
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: UpstreamDialTimeout,
		ReadBufferSize:   spliceBufferSize,
		WriteBufferSize:  spliceBufferSize,
	}
	upstream, resp, err := dialer.DialContext(r.Context(), upstreamURL, nil)
	if err != nil {
		detail := fmt.Sprintf("agent dial failed: %v", err)
		if resp != nil {
			detail = fmt.Sprintf("agent dial failed: %v (status %d)", err, resp.StatusCode)
		}
		p.log.WithError(err).WithField("vm_id", vmID).WithField("kind", string(kind)).Warn("websocket upstream dial failed")
		http.Error(w, detail, http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade writes its own error response.
		return
	}
	defer client.Close()

	metrics.ProxySessionOpened(string(kind))
	defer metrics.ProxySessionClosed(string(kind))

	p.log.WithField("vm_id", vmID).WithField("kind", string(kind)).Info("websocket session opened")

	errc := make(chan error, 2)
	go splice(client, upstream, errc)
	go splice(upstream, client, errc)
	<-errc

	p.log.WithField("vm_id", vmID).WithField("kind", string(kind)).Info("websocket session closed")
}

// splice copies frames from src to dst until either side closes.
func splice(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, reader, err := src.NextReader()
		if err != nil {
			dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			errc <- err
			return
		}
		writer, err := dst.NextWriter(msgType)
		if err != nil {
			errc <- err
			return
		}
		buf := make([]byte, spliceBufferSize)
		if _, err := io.CopyBuffer(writer, reader, buf); err != nil {
			writer.Close()
			errc <- err
			return
		}
		if err := writer.Close(); err != nil {
			errc <- err
			return
		}
	}
}
