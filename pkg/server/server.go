package server

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"sync"
	"time"

	fiber "github.com/gofiber/fiber/v3"
	recovermiddleware "github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/galpt/cake-sched/pkg/cake"
	"github.com/galpt/cake-sched/pkg/history"
	"github.com/galpt/cake-sched/pkg/log"
	"github.com/galpt/cake-sched/pkg/types"
)

//go:embed index.html
var indexHTML string

const sseBufSize = 4

// Instance names one live scheduler the Server polls and reports on, e.g.
// one per shaped link or per traffic direction.
type Instance struct {
	Name      string
	Scheduler *cake.Scheduler
}

// Server encapsulates the Fiber app, polling state, SSE client registry and
// history store over a set of named cake.Scheduler instances. It is safe
// for concurrent use.
type Server struct {
	app          *fiber.App
	instances    []Instance
	statsMu      sync.RWMutex
	stats        []types.InstanceStats
	ssesMu       sync.Mutex
	clients      map[chan []byte]struct{}
	pollInterval time.Duration
	history      *history.HistoryStore
}

func New(interval time.Duration, histCap int, instances []Instance) *Server {
	s := &Server{
		instances:    instances,
		clients:      make(map[chan []byte]struct{}),
		pollInterval: interval,
		history:      history.NewHistoryStore(histCap),
	}

	app := fiber.New(fiber.Config{
		ServerHeader: "cake-sched",
	})
	app.Use(recovermiddleware.New())

	app.Get("/", s.handleIndex)
	app.Get("/api/stats", s.handleAPIStats)
	app.Get("/api/history", s.handleAPIHistory)
	app.Get("/events", s.handleSSE)
	app.Post("/api/instances/:name/reconfigure", s.handleReconfigure)

	s.app = app
	return s
}

func (s *Server) Run(ctx context.Context, addr string) error {
	s.forcePoll()
	go s.runPoller(ctx)
	go func() {
		<-ctx.Done()
		_ = s.app.Shutdown()
	}()
	log.Logger.Info().Str("addr", addr).Dur("interval", s.pollInterval).Msg("listening")
	return s.app.Listen(addr)
}

// forcePoll dumps every instance's stats, feeds the history store, and
// broadcasts the resulting snapshot to connected SSE clients. A caller
// must own serializing access to each Scheduler (spec §5); forcePoll only
// calls the read-only DumpStats operation.
func (s *Server) forcePoll() {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error().Interface("panic", r).Msg("poller recovered")
		}
	}()

	stats := make([]types.InstanceStats, 0, len(s.instances))
	for _, inst := range s.instances {
		stats = append(stats, snapshotInstance(inst))
	}

	s.history.Record(stats, s.pollInterval)
	s.statsMu.Lock()
	s.stats = stats
	s.statsMu.Unlock()
	s.broadcast(stats)
}

func snapshotInstance(inst Instance) types.InstanceStats {
	dump := inst.Scheduler.DumpStats()

	tiers := make([]types.TierSnapshot, len(dump.Tins))
	for i, tn := range dump.Tins {
		tiers[i] = types.TierSnapshot{
			Name:          tierName(i, len(dump.Tins)),
			Packets:       tn.Packets,
			Bytes:         tn.Bytes,
			Backlog:       tn.Backlog,
			Dropped:       tn.Dropped,
			ECNMark:       tn.ECNMark,
			DropOverlimit: tn.DropOverlimit,
			BulkFlows:     tn.BulkFlows,
			RateBps:       tn.RateBps,
			Quantum:       tn.Quantum,
		}
	}

	return types.InstanceStats{
		Instance:       inst.Name,
		ID:             dump.ID,
		Tiers:          tiers,
		BacklogBytes:   dump.BacklogBytes,
		BacklogPackets: dump.BacklogPackets,
		Drops:          dump.Drops,
		Overlimits:     dump.Overlimits,
		MemoryUsed:     dump.MemoryUsed,
		MemoryLimit:    dump.MemoryLimit,
		UpdatedAt:      time.Now().UTC(),
	}
}

// tierName labels a tin by its position under the diffserv4 convention
// when the count matches (Bulk/Best Effort/Video/Voice), falling back to
// a plain ordinal for other tin counts (besteffort, precedence, diffserv8).
func tierName(i, n int) string {
	if n == 4 {
		switch i {
		case 0:
			return "Bulk"
		case 1:
			return "Best Effort"
		case 2:
			return "Video"
		case 3:
			return "Voice"
		}
	}
	names := [8]string{"Tin 0", "Tin 1", "Tin 2", "Tin 3", "Tin 4", "Tin 5", "Tin 6", "Tin 7"}
	if i < len(names) {
		return names[i]
	}
	return "Tin"
}

func (s *Server) runPoller(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.forcePoll()
		}
	}
}

func (s *Server) broadcast(stats []types.InstanceStats) {
	resp := types.StatsResponse{Instances: stats, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
	payload, _ := resp.MarshalJSON()
	event := buildSSEEvent(payload)

	s.ssesMu.Lock()
	defer s.ssesMu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

var sseBufPool = sync.Pool{New: func() any { b := make([]byte, 0, 1024); return &b }}

func buildSSEEvent(payload []byte) []byte {
	buf := sseBufPool.Get().(*[]byte)
	*buf = (*buf)[:0]
	*buf = append(*buf, "retry: 2000\ndata: "...)
	*buf = append(*buf, payload...)
	*buf = append(*buf, "\n\n"...)
	out := make([]byte, len(*buf))
	copy(out, *buf)
	sseBufPool.Put(buf)
	return out
}

func (s *Server) handleIndex(c fiber.Ctx) error {
	c.Set("Content-Type", "text/html; charset=utf-8")
	c.Set("Cache-Control", "no-store")
	return c.SendString(indexHTML)
}

func (s *Server) handleAPIStats(c fiber.Ctx) error {
	s.statsMu.RLock()
	snapshot := s.stats
	s.statsMu.RUnlock()
	resp := types.StatsResponse{Instances: snapshot, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
	c.Set("Content-Type", "application/json; charset=utf-8")
	b, _ := resp.MarshalJSON()
	return c.Send(b)
}

func (s *Server) handleAPIHistory(c fiber.Ctx) error {
	snap := s.history.Snapshot()
	c.Set("Content-Type", "application/json; charset=utf-8")
	b, _ := json.Marshal(snap)
	return c.Send(b)
}

// handleReconfigure applies a posted Config to the named instance,
// surfacing cake.ErrConfigInvalid as a 400 rather than a 500 since a
// rejected knob table is caller error, not a server fault.
func (s *Server) handleReconfigure(c fiber.Ctx) error {
	name := c.Params("name")
	inst, ok := s.lookupInstance(name)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "no such instance")
	}

	var cfg cake.Config
	if err := json.Unmarshal(c.Body(), &cfg); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed config: "+err.Error())
	}

	if err := inst.Scheduler.Reconfigure(cfg); err != nil {
		if errors.Is(err, cake.ErrConfigInvalid) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	log.Logger.Info().Str("instance", name).Msg("reconfigured")
	c.Set("Content-Type", "application/json; charset=utf-8")
	return c.SendString(`{"ok":true}`)
}

func (s *Server) lookupInstance(name string) (Instance, bool) {
	for _, inst := range s.instances {
		if inst.Name == name {
			return inst, true
		}
	}
	return Instance{}, false
}

func (s *Server) handleSSE(c fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ch := make(chan []byte, sseBufSize)

	s.ssesMu.Lock()
	s.clients[ch] = struct{}{}
	s.ssesMu.Unlock()

	// Capture initial snapshot before entering the stream writer.
	s.statsMu.RLock()
	snapshot := s.stats
	s.statsMu.RUnlock()

	c.RequestCtx().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			s.ssesMu.Lock()
			delete(s.clients, ch)
			s.ssesMu.Unlock()
		}()

		// Send the current snapshot immediately so the page isn't blank.
		if len(snapshot) > 0 {
			resp := types.StatsResponse{
				Instances: snapshot,
				UpdatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if payload, err := resp.MarshalJSON(); err == nil {
				if _, err = w.Write(buildSSEEvent(payload)); err != nil {
					return
				}
				_ = w.Flush()
			}
		}

		for event := range ch {
			if _, err := w.Write(event); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}
