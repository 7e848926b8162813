package roomapi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime"
	"github.com/mcdev12/draftsync/go/internal/draft/store"
)

// Client calls a remote RoomService. It implements store.Mutations and
// realtime.Fetcher.
type Client struct {
	placePick *connect.Client[store.PickRequest, Ack]
	placeBid  *connect.Client[store.BidRequest, Ack]
	joinRoom  *connect.Client[store.MembershipRequest, Ack]
	leaveRoom *connect.Client[store.MembershipRequest, Ack]
	snapshot  *connect.Client[SnapshotRequest, events.Snapshot]
}

var (
	_ store.Mutations  = (*Client)(nil)
	_ realtime.Fetcher = (*Client)(nil)
)

// NewClient targets the service mounted at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(Codec{})}, opts...)
	return &Client{
		placePick: connect.NewClient[store.PickRequest, Ack](httpClient, baseURL+PlacePickProcedure, opts...),
		placeBid:  connect.NewClient[store.BidRequest, Ack](httpClient, baseURL+PlaceBidProcedure, opts...),
		joinRoom:  connect.NewClient[store.MembershipRequest, Ack](httpClient, baseURL+JoinRoomProcedure, opts...),
		leaveRoom: connect.NewClient[store.MembershipRequest, Ack](httpClient, baseURL+LeaveRoomProcedure, opts...),
		snapshot:  connect.NewClient[SnapshotRequest, events.Snapshot](httpClient, baseURL+FetchSnapshotProcedure, opts...),
	}
}

func (c *Client) PlacePick(ctx context.Context, key string, req store.PickRequest) error {
	return call(ctx, c.placePick, PlacePickProcedure, key, req)
}

func (c *Client) PlaceBid(ctx context.Context, key string, req store.BidRequest) error {
	return call(ctx, c.placeBid, PlaceBidProcedure, key, req)
}

func (c *Client) JoinRoom(ctx context.Context, key string, req store.MembershipRequest) error {
	return call(ctx, c.joinRoom, JoinRoomProcedure, key, req)
}

func (c *Client) LeaveRoom(ctx context.Context, key string, req store.MembershipRequest) error {
	return call(ctx, c.leaveRoom, LeaveRoomProcedure, key, req)
}

func (c *Client) FetchSnapshot(ctx context.Context, roomID uuid.UUID) (events.Snapshot, error) {
	res, err := c.snapshot.CallUnary(ctx, connect.NewRequest(&SnapshotRequest{RoomID: roomID}))
	if err != nil {
		return events.Snapshot{}, fromConnectError("fetch snapshot", err)
	}
	return *res.Msg, nil
}

func call[Req any](ctx context.Context, client *connect.Client[Req, Ack], procedure, key string, msg Req) error {
	req := connect.NewRequest(&msg)
	req.Header().Set(IdempotencyHeader, key)
	if _, err := client.CallUnary(ctx, req); err != nil {
		return fromConnectError(procedure, err)
	}
	return nil
}

// fromConnectError maps rejections back onto the sentinel errors the update
// queue treats as permanent.
func fromConnectError(op string, err error) error {
	var ce *connect.Error
	if !errors.As(err, &ce) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch ce.Code() {
	case connect.CodeInvalidArgument:
		return fmt.Errorf("%w: %s", events.ErrValidation, ce.Message())
	case connect.CodeNotFound:
		return fmt.Errorf("%w: %s", events.ErrNotFound, ce.Message())
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
