package roomapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime"
	"github.com/mcdev12/draftsync/go/internal/draft/store"
	"github.com/rs/zerolog/log"
)

const ServiceName = "draftsync.room.v1.RoomService"

const (
	PlacePickProcedure     = "/" + ServiceName + "/PlacePick"
	PlaceBidProcedure      = "/" + ServiceName + "/PlaceBid"
	JoinRoomProcedure      = "/" + ServiceName + "/JoinRoom"
	LeaveRoomProcedure     = "/" + ServiceName + "/LeaveRoom"
	FetchSnapshotProcedure = "/" + ServiceName + "/FetchSnapshot"
)

// IdempotencyHeader carries the mutation key.
const IdempotencyHeader = "Idempotency-Key"

// Ack is the empty reply to a mutation.
type Ack struct{}

type SnapshotRequest struct {
	RoomID uuid.UUID `json:"room_id"`
}

// NewHandler builds the RoomService routes over mutations and fetcher. A nil
// fetcher answers FetchSnapshot with Unimplemented.
func NewHandler(mutations store.Mutations, fetcher realtime.Fetcher, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{
		connect.WithCodec(Codec{}),
		connect.WithInterceptors(logInterceptor()),
	}, opts...)

	mux := http.NewServeMux()
	mux.Handle(PlacePickProcedure, connect.NewUnaryHandler(PlacePickProcedure, mutation(mutations.PlacePick), opts...))
	mux.Handle(PlaceBidProcedure, connect.NewUnaryHandler(PlaceBidProcedure, mutation(mutations.PlaceBid), opts...))
	mux.Handle(JoinRoomProcedure, connect.NewUnaryHandler(JoinRoomProcedure, mutation(mutations.JoinRoom), opts...))
	mux.Handle(LeaveRoomProcedure, connect.NewUnaryHandler(LeaveRoomProcedure, mutation(mutations.LeaveRoom), opts...))
	mux.Handle(FetchSnapshotProcedure, connect.NewUnaryHandler(FetchSnapshotProcedure, snapshot(fetcher), opts...))
	return "/" + ServiceName + "/", mux
}

func mutation[Req any](fn func(ctx context.Context, key string, req Req) error) func(context.Context, *connect.Request[Req]) (*connect.Response[Ack], error) {
	return func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Ack], error) {
		key := req.Header().Get(IdempotencyHeader)
		if key == "" {
			return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("missing "+IdempotencyHeader+" header"))
		}
		if err := fn(ctx, key, *req.Msg); err != nil {
			return nil, toConnectError(err)
		}
		return connect.NewResponse(&Ack{}), nil
	}
}

func snapshot(fetcher realtime.Fetcher) func(context.Context, *connect.Request[SnapshotRequest]) (*connect.Response[events.Snapshot], error) {
	return func(ctx context.Context, req *connect.Request[SnapshotRequest]) (*connect.Response[events.Snapshot], error) {
		if fetcher == nil {
			return nil, connect.NewError(connect.CodeUnimplemented, errors.New("snapshots are not configured"))
		}
		if req.Msg.RoomID == uuid.Nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("room_id is required"))
		}
		snap, err := fetcher.FetchSnapshot(ctx, req.Msg.RoomID)
		if err != nil {
			return nil, toConnectError(err)
		}
		return connect.NewResponse(&snap), nil
	}
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, events.ErrValidation):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, events.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	default:
		return connect.NewError(connect.CodeUnavailable, fmt.Errorf("room service: %w", err))
	}
}

func logInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			res, err := next(ctx, req)
			ev := log.Debug()
			if err != nil && connect.CodeOf(err) != connect.CodeInvalidArgument {
				ev = log.Warn().Err(err)
			}
			ev.Str("procedure", req.Spec().Procedure).
				Str("idempotency_key", req.Header().Get(IdempotencyHeader)).
				Dur("duration", time.Since(start)).
				Msg("room service call")
			return res, err
		}
	}
}
