package gossip

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrquorum/internal/logging"
)

// Config wires a Prober. Transport is required; Detector defaults to a
// PhiDetector seeded with Interval.
type Config struct {
	Self          Member
	Interval      time.Duration
	Threshold     float64 // phi at which a member becomes suspect
	DeadThreshold float64 // phi at which a suspect member is dead; defaults to 2*Threshold
	Transport     Transport
	Detector      FailureDetector
	Logger        *zap.Logger

	OnSuspect func(NodeID) // alive -> suspect
	OnAlive   func(NodeID) // suspect or dead -> alive
}

// Prober periodically pings members and raises suspicions.
type Prober struct {
	cfg     Config
	members *Members
	log     *zap.Logger
	now     func() time.Time
}

func NewProber(cfg Config) (*Prober, error) {
	if cfg.Self.ID == "" {
		return nil, errors.New("gossip: self id is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("gossip: transport is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 8
	}
	if cfg.DeadThreshold < cfg.Threshold {
		cfg.DeadThreshold = 2 * cfg.Threshold
	}
	if cfg.Detector == nil {
		cfg.Detector = NewPhiDetector(DefaultWindow, cfg.Interval)
	}
	log := logging.OrNop(cfg.Logger)
	return &Prober{
		cfg:     cfg,
		members: NewMembers(cfg.Self),
		log:     log.Named("gossip"),
		now:     time.Now,
	}, nil
}

func (p *Prober) Members() *Members { return p.members }

// SetPeers replaces the probed set with peers (nodeID -> addr). New members
// start their detector history now, so one that never answers still becomes
// suspect.
func (p *Prober) SetPeers(peers map[string]string) {
	in := make(map[NodeID]string, len(peers))
	for id, addr := range peers {
		in[NodeID(id)] = addr
	}
	added, removed := p.members.sync(in)
	now := p.now()
	for _, id := range added {
		p.cfg.Detector.Observe(id, now)
	}
	for _, id := range removed {
		p.cfg.Detector.Remove(id)
	}
	if len(added) > 0 || len(removed) > 0 {
		p.log.Debug("probe set changed", zap.Int("added", len(added)), zap.Int("removed", len(removed)))
	}
}

// Run probes every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce pings every peer concurrently, then re-evaluates suspicion.
func (p *Prober) ProbeOnce(ctx context.Context) {
	self := p.members.Self().ID
	var wg sync.WaitGroup
	for _, m := range p.members.All() {
		if m.ID == self {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, p.cfg.Interval)
			defer cancel()
			if err := p.cfg.Transport.Ping(pctx, m.Addr); err != nil {
				p.log.Debug("ping failed", zap.String("peer", string(m.ID)), zap.Error(err))
				return
			}
			p.cfg.Detector.Observe(m.ID, p.now())
		}()
	}
	wg.Wait()
	p.evaluate()
}

// Suspected reports whether id is currently suspect or dead. Unknown members
// are not suspected.
func (p *Prober) Suspected(id NodeID) bool {
	m, ok := p.members.Get(id)
	return ok && m.State != StateAlive
}

func (p *Prober) evaluate() {
	now := p.now()
	self := p.members.Self().ID
	for _, m := range p.members.All() {
		if m.ID == self {
			continue
		}
		phi := p.cfg.Detector.Phi(m.ID, now)
		switch {
		case phi >= p.cfg.Threshold && m.State == StateAlive:
			if p.transition(m, StateSuspect, m.Incarnation) {
				p.log.Info("peer suspected", zap.String("peer", string(m.ID)), zap.Float64("phi", phi))
				if p.cfg.OnSuspect != nil {
					p.cfg.OnSuspect(m.ID)
				}
			}
		case phi >= p.cfg.DeadThreshold && m.State == StateSuspect:
			if p.transition(m, StateDead, m.Incarnation) {
				p.log.Warn("peer declared dead", zap.String("peer", string(m.ID)), zap.Float64("phi", phi))
			}
		case phi < p.cfg.Threshold && m.State != StateAlive:
			// a fresh reply outranks the suspicion at the old incarnation
			if p.transition(m, StateAlive, m.Incarnation+1) {
				p.log.Info("peer alive again", zap.String("peer", string(m.ID)), zap.Stringer("was", m.State))
				if p.cfg.OnAlive != nil {
					p.cfg.OnAlive(m.ID)
				}
			}
		}
	}
}

func (p *Prober) transition(m Member, s State, inc uint64) bool {
	m.State = s
	m.Incarnation = inc
	return p.members.ApplyDelta(Delta{Member: m})
}
