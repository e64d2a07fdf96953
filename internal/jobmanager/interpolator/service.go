package interpolator

import (
	"time"

	"github.com/pkg/errors"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/jobmanager/bus"
	"github.com/liveq/jobmanager/internal/jobmanager/histogram"
	"github.com/liveq/jobmanager/internal/jobmanager/tune"
)

const defaultLookupTimeout = 10 * time.Second

// InterpolateRequest is the payload of the interpolate action.
type InterpolateRequest struct {
	Lab        string             `json:"lab"`
	Parameters map[string]float64 `json:"parameters"`
	Histograms []string           `json:"histograms"`
}

// InterpolateReply carries the packed collection when the cache could answer. Exact is 1 for a stored sample and 0
// for an interpolation; a reply without data means the neighbourhood is not covered.
type InterpolateReply struct {
	lqerrors.Reply
	Exact int    `json:"exact"`
	Data  []byte `json:"data,omitempty"`
}

// ResultsRequest is the payload of the results action: a completed run offered as a new sample.
type ResultsRequest struct {
	Lab        string             `json:"lab"`
	Parameters map[string]float64 `json:"parameters"`
	Events     int                `json:"events"`
	Data       []byte             `json:"data"`
}

// Service answers interpolate and results requests on the interpolate channel.
type Service struct {
	cache         *Cache
	channel       bus.Channel
	packing       histogram.Options
	lookupTimeout time.Duration
}

func NewService(cache *Cache, b bus.Bus, packing histogram.Options) *Service {
	return &Service{
		cache:         cache,
		channel:       b.Channel(bus.InterpolateChannel),
		packing:       packing,
		lookupTimeout: defaultLookupTimeout,
	}
}

// Start subscribes to the interpolate channel. Requests are served until Stop.
func (s *Service) Start() error {
	if _, err := s.channel.Subscribe(bus.ActionInterpolate, s.handleInterpolate); err != nil {
		return err
	}
	_, err := s.channel.Subscribe(bus.ActionResults, s.handleResults)
	return err
}

func (s *Service) Stop() error {
	return s.channel.Close()
}

// Run serves requests until ctx is cancelled.
func (s *Service) Run(ctx *lqcontext.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	ctx.Log.Info("interpolation service started")
	<-ctx.Done()
	return s.Stop()
}

func (s *Service) handleInterpolate(ctx *lqcontext.Context, msg *bus.Message) (any, error) {
	var req InterpolateRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.Lab == "" {
		return nil, &lqerrors.ErrProtocol{Action: msg.Action, Message: "missing lab"}
	}
	lookupCtx, cancel := lqcontext.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	result, ok, err := s.cache.Lookup(lookupCtx, tune.New(req.Lab, req.Parameters), req.Histograms)
	if err != nil {
		return nil, err
	}
	reply := InterpolateReply{Reply: lqerrors.OkReply()}
	if !ok {
		return reply, nil
	}
	data, err := histogram.Pack(result.Collection, s.packing)
	if err != nil {
		return nil, errors.WithMessage(err, "packing interpolated collection")
	}
	if result.Exact {
		reply.Exact = 1
	}
	reply.Data = data
	return reply, nil
}

func (s *Service) handleResults(ctx *lqcontext.Context, msg *bus.Message) (any, error) {
	var req ResultsRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.Lab == "" || len(req.Data) == 0 {
		return nil, &lqerrors.ErrProtocol{Action: msg.Action, Message: "missing lab or data"}
	}
	collection, err := histogram.Unpack(req.Data, s.packing)
	if err != nil {
		return nil, &lqerrors.ErrProtocol{Action: msg.Action, Message: err.Error()}
	}
	stored, err := s.cache.Append(tune.New(req.Lab, req.Parameters), collection, req.Events)
	if err != nil {
		return nil, err
	}
	if !stored {
		return nil, &lqerrors.ErrInvalidArgument{
			Name:    "events",
			Value:   req.Events,
			Message: "below the minimum for interpolation samples",
		}
	}
	ctx.Log.WithField("lab", req.Lab).Debug("stored sample from results")
	return nil, nil
}
