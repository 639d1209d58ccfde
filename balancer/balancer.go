// Package balancer selects a destination server for an inbound connection
// request and reserves a capacity slot on it. Selection and reservation are
// two steps, so the ranking loop tolerates the top pick filling up between
// the eligibility read and the reservation attempt.
package balancer

import (
	"sort"

	"github.com/vpn-enterprise/vpncore/registry"
	vcerrors "github.com/vpn-enterprise/vpncore/util/errors"
	"github.com/vpn-enterprise/vpncore/util/logger"
	"github.com/vpn-enterprise/vpncore/util/metrics"
)

// Request describes what the connecting client needs from the fleet.
type Request struct {
	UserID   string
	DeviceID string
	// Tier gates premium-labeled nodes. Empty is treated as the free tier.
	Tier registry.Tier
	// Region is the preferred region, empty for any. When no eligible node
	// exists in the requested region the balancer retries across all
	// regions and marks the result as a fallback.
	Region   string
	Protocol registry.Protocol
	// MinHealth relaxes the health filter when set below healthy. The zero
	// value of the field is unhealthy, so callers wanting the default must
	// leave Normalize to raise it.
	MinHealth registry.HealthState
	// minHealthSet is flipped by WithMinHealth so the zero value of
	// MinHealth is distinguishable from an explicit relaxation.
	minHealthSet bool
}

// WithMinHealth sets an explicit minimum health for the request. Without it
// Select only considers healthy nodes.
func (r Request) WithMinHealth(min registry.HealthState) Request {
	r.MinHealth = min
	r.minHealthSet = true
	return r
}

func (r *Request) minHealth() registry.HealthState {
	if r.minHealthSet {
		return r.MinHealth
	}
	return registry.HealthHealthy
}

// Selection is a successful pick with a capacity slot already reserved on
// Server. The caller owns the slot and must release it if the session is
// never established.
type Selection struct {
	Server registry.ServerNode
	// RegionFallback is true when the requested region had no eligible
	// node and the pick came from another region.
	RegionFallback bool
}

// Balancer ranks eligible servers and reserves capacity on the best one.
type Balancer struct {
	registry *registry.Registry
	logger   *logger.Logger
}

func New(reg *registry.Registry) *Balancer {
	return &Balancer{
		registry: reg,
		logger:   logger.NewLogger("Balancer"),
	}
}

// Select picks the best eligible server for the request and reserves one
// connection slot on it. It returns ErrUnavailable when no eligible server
// exists or every candidate filled up before reservation succeeded.
func (b *Balancer) Select(req Request) (Selection, error) {
	filter := registry.EligibilityFilter{
		Protocol:  req.Protocol,
		Region:    req.Region,
		MinHealth: req.minHealth(),
		Tier:      req.Tier,
	}

	candidates := b.registry.ListEligible(filter)
	fallback := false
	if len(candidates) == 0 && req.Region != "" {
		filter.Region = ""
		candidates = b.registry.ListEligible(filter)
		fallback = len(candidates) > 0
		if fallback {
			b.logger.Infof("No eligible server in region %s, falling back to any region", req.Region)
		}
	}

	if len(candidates) == 0 {
		metrics.RecordSelection(metrics.SelectionUnavailable)
		return Selection{}, vcerrors.ErrUnavailable
	}

	rank(candidates)

	for _, candidate := range candidates {
		err := b.registry.ReserveCapacity(candidate.ID)
		if err == nil {
			if fallback {
				metrics.RecordSelection(metrics.SelectionFallback)
			} else {
				metrics.RecordSelection(metrics.SelectionOK)
			}
			// Re-read so the returned snapshot reflects the reservation.
			node, gerr := b.registry.Get(candidate.ID)
			if gerr != nil {
				node = candidate
			}
			return Selection{Server: node, RegionFallback: fallback}, nil
		}
		// A full node here means another selection won the race for the
		// last slot. Move on to the next candidate.
		metrics.RecordReservationConflict(candidate.ID)
		b.logger.Debugf("Reservation on %s lost to a concurrent selection: %v", candidate.ID, err)
	}

	metrics.RecordSelection(metrics.SelectionUnavailable)
	return Selection{}, vcerrors.ErrUnavailable
}

// rank orders candidates by ascending load ratio, then connection count,
// then id so equal nodes are picked deterministically.
func rank(nodes []registry.ServerNode) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.LoadRatio != b.LoadRatio {
			return a.LoadRatio < b.LoadRatio
		}
		if a.Connections != b.Connections {
			return a.Connections < b.Connections
		}
		return a.ID < b.ID
	})
}
