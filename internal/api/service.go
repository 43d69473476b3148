// Package api exposes the daemon over a gRPC control service on the
// session's Unix socket.
package api

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/matheus3301/duet/internal/app"
	"github.com/matheus3301/duet/internal/backend"
	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/call"
	"github.com/matheus3301/duet/internal/chat"
	"github.com/matheus3301/duet/internal/loop"
	"github.com/matheus3301/duet/internal/store"
	intsync "github.com/matheus3301/duet/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Controller is the application surface the control service drives.
type Controller interface {
	Snapshot(ctx context.Context) (app.Snapshot, error)
	OpenConversation(ctx context.Context, peerID string) ([]chat.Message, error)
	Messages(ctx context.Context) ([]chat.Message, error)
	Send(ctx context.Context, text string) (string, error)
	Friends(ctx context.Context) ([]chat.Friend, error)
	AddFriend(ctx context.Context, username string) (chat.Friend, error)
	UpdateProfile(ctx context.Context, u chat.ProfileUpdate) (chat.Profile, error)
	StartCall(ctx context.Context, peerID string, kind call.Kind) error
	AcceptCall(ctx context.Context) error
	DeclineCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	CallHistory(limit int) ([]store.CallRecord, error)
}

var _ Controller = (*app.App)(nil)

// watchBuffer is the per-watcher bus subscription size.
const watchBuffer = 64

// Service implements ControlServer.
type Service struct {
	app    Controller
	bus    *bus.Bus
	logger *zap.Logger
}

// NewService creates the control service.
func NewService(a Controller, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{app: a, bus: b, logger: logger}
}

func (s *Service) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := s.app.Snapshot(ctx)
	if err != nil {
		return nil, toStatus("status", err)
	}
	return reply(statusView(snap))
}

func (s *Service) OpenConversation(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "peer id is required")
	}
	msgs, err := s.app.OpenConversation(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus("open conversation", err)
	}
	return reply(messageList{Messages: messageViews(msgs)})
}

func (s *Service) Messages(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	msgs, err := s.app.Messages(ctx)
	if err != nil {
		return nil, toStatus("messages", err)
	}
	return reply(messageList{Messages: messageViews(msgs)})
}

func (s *Service) Send(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	tempID, err := s.app.Send(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus("send", err)
	}
	return reply(sendResult{TempID: tempID})
}

func (s *Service) Friends(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	friends, err := s.app.Friends(ctx)
	if err != nil {
		return nil, toStatus("friends", err)
	}
	views := make([]FriendView, 0, len(friends))
	for _, f := range friends {
		views = append(views, friendView(f))
	}
	return reply(friendList{Friends: views})
}

func (s *Service) AddFriend(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "username is required")
	}
	f, err := s.app.AddFriend(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus("add friend", err)
	}
	return reply(friendView(f))
}

func (s *Service) UpdateProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ProfileRequest
	if err := decode(req, &in); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "update profile: %v", err)
	}
	if in == (ProfileRequest{}) {
		return nil, grpcstatus.Error(codes.InvalidArgument, "nothing to update")
	}
	p, err := s.app.UpdateProfile(ctx, chat.ProfileUpdate{Username: in.Username, FullName: in.FullName, AvatarURL: in.AvatarURL})
	if err != nil {
		return nil, toStatus("update profile", err)
	}
	return reply(profileView(p))
}

func (s *Service) StartCall(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	var in startCallRequest
	if err := decode(req, &in); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "start call: %v", err)
	}
	kind := call.Video
	if in.Kind != "" {
		k, err := call.ParseKind(in.Kind)
		if err != nil {
			return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
		}
		kind = k
	}
	if err := s.app.StartCall(ctx, in.PeerID, kind); err != nil {
		return nil, toStatus("start call", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) AcceptCall(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.app.AcceptCall(ctx); err != nil {
		return nil, toStatus("accept call", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) DeclineCall(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.app.DeclineCall(ctx); err != nil {
		return nil, toStatus("decline call", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) EndCall(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.app.EndCall(ctx); err != nil {
		return nil, toStatus("end call", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) CallHistory(_ context.Context, req *wrapperspb.Int32Value) (*structpb.Struct, error) {
	records, err := s.app.CallHistory(int(req.GetValue()))
	if err != nil {
		return nil, toStatus("call history", err)
	}
	views := make([]CallRecordView, 0, len(records))
	for _, r := range records {
		views = append(views, callRecordView(r))
	}
	return reply(callList{Calls: views})
}

// Watch streams bus events whose kind starts with the requested namespace.
// An empty namespace streams everything.
func (s *Service) Watch(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(req.GetValue(), watchBuffer)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env, err := envelope(evt)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func envelope(evt bus.Event) (*structpb.Struct, error) {
	payload, err := encode(evt.Payload)
	if err != nil {
		return nil, err
	}
	return reply(EventView{
		EventID:          uuid.New().String(),
		Kind:             evt.Kind,
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
		Payload:          payload.AsMap(),
	})
}

func reply(v any) (*structpb.Struct, error) {
	s, err := encode(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return s, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(op string, err error) error {
	var (
		capErr     *call.CapabilityError
		persistErr *intsync.PersistenceError
	)
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, loop.ErrStopped):
		code = codes.Unavailable
	case errors.Is(err, app.ErrEmptyMessage), errors.Is(err, backend.ErrSelfFriend),
		errors.Is(err, backend.ErrBadUsername):
		code = codes.InvalidArgument
	case errors.Is(err, intsync.ErrNoConversation), errors.Is(err, call.ErrBusy),
		errors.Is(err, call.ErrNoPendingOffer), errors.Is(err, call.ErrNoPeer):
		code = codes.FailedPrecondition
	case errors.Is(err, backend.ErrUserNotFound):
		code = codes.NotFound
	case errors.Is(err, backend.ErrAlreadyFriends), errors.Is(err, backend.ErrUsernameTaken):
		code = codes.AlreadyExists
	case errors.Is(err, call.ErrEnded), errors.Is(err, call.ErrWithdrawn),
		errors.Is(err, intsync.ErrSuperseded), errors.As(err, &persistErr):
		code = codes.Aborted
	case errors.As(err, &capErr):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
