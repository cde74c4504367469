package websocket

import (
	"context"

	"github.com/drblury/framebridge/internal/runtime"
)

// ManagerAcceptor connects every tunnel to m as its own connection, using the
// tunnel id as connection id. onConnect, when set, receives each completed
// connection; handshake failures are logged by the manager and close the
// tunnel.
func ManagerAcceptor(m *runtime.Manager, onConnect func(*runtime.Connection)) Acceptor {
	return func(ctx context.Context, t *Tunnel) error {
		ready := make(chan struct{})
		failed := make(chan error, 1)
		go func() {
			conn, err := m.Connect(ctx, t.Window(),
				runtime.WithConnectionID(t.ID()),
				runtime.WithExpectedOrigin(t.Origin()),
				runtime.WithOnListening(func() { close(ready) }),
			)
			if err != nil {
				failed <- err
				_ = t.Close()
				return
			}
			go func() {
				select {
				case <-conn.Done():
					_ = t.Close()
				case <-t.Done():
					_ = m.Disconnect(conn.ID)
				}
			}()
			if onConnect != nil {
				onConnect(conn)
			}
		}()

		select {
		case <-ready:
			return nil
		case err := <-failed:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
