package bench

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.einride.tech/can"

	"github.com/LoveWonYoung/x260diag/tp"
	"github.com/LoveWonYoung/x260diag/transport"
	"github.com/LoveWonYoung/x260diag/uds"
)

const heartbeatInterval = 500 * time.Millisecond

// Heartbeats go out 0x100 below the unit's diagnostic request id, well
// clear of the ISO-TP pairs in use.
const heartbeatIDOffset = 0x100

// Manager runs the virtual ECUs. Each enabled unit gets a UDS responder
// and a periodic network-management heartbeat; both contend on the
// manager's own transmission token, never on the client session's.
type Manager struct {
	bus    *transport.Bus
	token  *transport.Token
	refDir string
	log    *logrus.Entry

	mu      sync.Mutex
	enabled bool
	units   map[string]*unit
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type unit struct {
	target  uds.Target
	conn    transport.Connection
	framer  *tp.Framer
	handler *Handler
}

// NewManager builds a bench manager. referenceDir, when non-empty, is
// searched for per-unit capture dumps (<referenceDir>/<ecu>.hex); units
// without a dump fall back to the built-in reference data.
func NewManager(bus *transport.Bus, referenceDir string, log *logrus.Entry) *Manager {
	return &Manager{
		bus:    bus,
		token:  transport.NewToken(),
		refDir: referenceDir,
		log:    log,
		units:  map[string]*unit{},
	}
}

// loadReference resolves one unit's DID records: a capture dump on disk
// when present, the built-in defaults otherwise.
func (m *Manager) loadReference(name string) ReferenceStore {
	if m.refDir == "" {
		return DefaultReference(name)
	}
	path := filepath.Join(m.refDir, name+".hex")
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.WithError(err).WithField("path", path).Warn("reference dump unreadable")
		}
		return DefaultReference(name)
	}
	defer f.Close()

	store, err := LoadReference(f)
	if err != nil {
		m.log.WithError(err).WithField("path", path).Warn("reference dump invalid, using defaults")
		return DefaultReference(name)
	}
	m.log.WithFields(logrus.Fields{"ecu": name, "path": path, "dids": len(store)}).Info("loaded reference dump")
	return store
}

// Toggle switches the bench on or off. Enabling with an empty list
// starts the default bcm unit. Toggling to the current state is a no-op.
func (m *Manager) Toggle(enabled bool, ecus []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if enabled == m.enabled {
		return nil
	}
	if !enabled {
		m.stopLocked()
		return nil
	}

	if len(ecus) == 0 {
		ecus = []string{"bcm"}
	}

	units := map[string]*unit{}
	for _, name := range ecus {
		target, err := uds.TargetByName(name)
		if err != nil {
			return err
		}
		reqID := target.RequestID
		conn := m.bus.Endpoint("bench-"+name, func(id uint32) bool { return id == reqID })
		framer, err := tp.NewFramer(conn, tp.Address{TxID: target.ResponseID, RxID: target.RequestID}, tp.DefaultConfig())
		if err != nil {
			conn.Close()
			return err
		}
		units[name] = &unit{
			target:  target,
			conn:    conn,
			framer:  framer,
			handler: NewHandler(name, m.loadReference(name)),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.units = units
	m.enabled = true
	for _, u := range units {
		m.wg.Add(2)
		go m.respond(ctx, u)
		go m.heartbeat(ctx, u)
	}
	m.log.WithField("ecus", ecus).Info("bench enabled")
	return nil
}

func (m *Manager) stopLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	for _, u := range m.units {
		u.conn.Close()
	}
	m.wg.Wait()
	m.units = map[string]*unit{}
	m.enabled = false
	m.log.Info("bench disabled")
}

// Status reports whether the bench is running and which units it emulates.
func (m *Manager) Status() (bool, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.units))
	for name := range m.units {
		names = append(names, name)
	}
	return m.enabled, names
}

// Reference exposes a running unit's store, so tests and the API can
// inspect what a write changed.
func (m *Manager) Reference(name string) (ReferenceStore, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[name]
	if !ok {
		return nil, false
	}
	return u.handler.ref, true
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled {
		m.stopLocked()
	}
}

func (m *Manager) respond(ctx context.Context, u *unit) {
	defer m.wg.Done()
	for {
		req, err := u.framer.Recv(ctx, heartbeatInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		resp := u.handler.BuildResponse(req)
		if resp == nil {
			continue
		}
		if err := m.token.Acquire(ctx); err != nil {
			return
		}
		err = u.framer.Send(ctx, resp)
		m.token.Release()
		if err != nil && ctx.Err() == nil {
			m.log.WithError(err).WithField("ecu", u.target.Name).Warn("bench response failed")
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, u *unit) {
	defer m.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	var counter byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.token.TryAcquire() {
			continue
		}
		frame := can.Frame{
			ID:     u.target.RequestID - heartbeatIDOffset,
			Length: 2,
		}
		frame.Data[0] = counter
		frame.Data[1] = 0x01 // ignition on
		counter++
		err := u.conn.Send(ctx, frame)
		m.token.Release()
		if err != nil && ctx.Err() == nil {
			m.log.WithError(err).WithField("ecu", u.target.Name).Warn("bench heartbeat failed")
		}
	}
}
