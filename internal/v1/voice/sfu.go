package voice

import (
	"context"
	"errors"
	"time"

	lkauth "github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/sony/gobreaker"

	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/metrics"
)

// Provider is the SFU control-plane contract the coordinator depends on.
// Tests swap in a mock; production uses the LiveKit room service.
type Provider interface {
	CreateRoom(ctx context.Context, name string, maxParticipants int, emptyTimeout time.Duration) error
	DeleteRoom(ctx context.Context, name string) error
	RemoveParticipant(ctx context.Context, room, identity string) error
	AccessToken(room, identity, name string, perms Permissions, ttl time.Duration) (string, error)
	ServerURL() string
	Ping(ctx context.Context) error
}

// LiveKitProvider drives a LiveKit deployment through its room service API.
// All control calls go through a circuit breaker; token minting is local
// crypto and needs no breaker.
type LiveKitProvider struct {
	svc       *lksdk.RoomServiceClient
	url       string
	apiKey    string
	apiSecret string
	timeout   time.Duration
	cb        *gobreaker.CircuitBreaker
}

// NewLiveKitProvider builds a provider for the configured SFU deployment.
func NewLiveKitProvider(url, apiKey, apiSecret string, timeout time.Duration) *LiveKitProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	st := gobreaker.Settings{
		Name:        "sfu",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("sfu").Set(stateVal)
		},
	}

	return &LiveKitProvider{
		svc:       lksdk.NewRoomServiceClient(url, apiKey, apiSecret),
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		timeout:   timeout,
		cb:        gobreaker.NewCircuitBreaker(st),
	}
}

func (p *LiveKitProvider) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("sfu").Inc()
			return errs.Upstream("sfu_breaker_open", err)
		}
		return errs.Upstream("sfu_unavailable", err)
	}
	return nil
}

func (p *LiveKitProvider) CreateRoom(ctx context.Context, name string, maxParticipants int, emptyTimeout time.Duration) error {
	return p.execute(ctx, func(ctx context.Context) error {
		_, err := p.svc.CreateRoom(ctx, &livekit.CreateRoomRequest{
			Name:            name,
			MaxParticipants: uint32(maxParticipants),
			EmptyTimeout:    uint32(emptyTimeout.Seconds()),
		})
		return err
	})
}

func (p *LiveKitProvider) DeleteRoom(ctx context.Context, name string) error {
	return p.execute(ctx, func(ctx context.Context) error {
		_, err := p.svc.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: name})
		return err
	})
}

func (p *LiveKitProvider) RemoveParticipant(ctx context.Context, room, identity string) error {
	return p.execute(ctx, func(ctx context.Context) error {
		_, err := p.svc.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
			Room:     room,
			Identity: identity,
		})
		return err
	})
}

// AccessToken mints a short-lived admission token carrying the computed
// grants. The coordinator caps ttl at the configured maximum.
func (p *LiveKitProvider) AccessToken(room, identity, name string, perms Permissions, ttl time.Duration) (string, error) {
	grant := &lkauth.VideoGrant{
		RoomJoin:   true,
		Room:       room,
		RoomAdmin:  perms.RoomAdmin,
		RoomRecord: perms.CanRecord,
	}
	grant.SetCanPublish(perms.CanPublish)
	grant.SetCanSubscribe(perms.CanSubscribe)

	at := lkauth.NewAccessToken(p.apiKey, p.apiSecret).
		SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(ttl)

	token, err := at.ToJWT()
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "token_mint_failed", "failed to mint SFU token", err)
	}
	return token, nil
}

func (p *LiveKitProvider) ServerURL() string { return p.url }

// Ping verifies the SFU is reachable, used by the readiness probe.
func (p *LiveKitProvider) Ping(ctx context.Context) error {
	return p.execute(ctx, func(ctx context.Context) error {
		_, err := p.svc.ListRooms(ctx, &livekit.ListRoomsRequest{})
		return err
	})
}
