package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client talks to a daemon's control service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

// invokeView calls a Struct-returning method and decodes the reply into v.
func (c *Client) invokeView(ctx context.Context, method string, in proto.Message, v any) error {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, method, in, out); err != nil {
		return err
	}
	return decode(out, v)
}

// Status returns the session snapshot.
func (c *Client) Status(ctx context.Context) (StatusView, error) {
	var v StatusView
	err := c.invokeView(ctx, "Status", &emptypb.Empty{}, &v)
	return v, err
}

// OpenConversation opens the conversation with peerID and returns its messages.
func (c *Client) OpenConversation(ctx context.Context, peerID string) ([]MessageView, error) {
	var v messageList
	err := c.invokeView(ctx, "OpenConversation", wrapperspb.String(peerID), &v)
	return v.Messages, err
}

// Messages returns the open conversation.
func (c *Client) Messages(ctx context.Context) ([]MessageView, error) {
	var v messageList
	err := c.invokeView(ctx, "Messages", &emptypb.Empty{}, &v)
	return v.Messages, err
}

// Send posts text to the open conversation and returns its temp id.
func (c *Client) Send(ctx context.Context, text string) (string, error) {
	var v sendResult
	err := c.invokeView(ctx, "Send", wrapperspb.String(text), &v)
	return v.TempID, err
}

// Friends lists friends.
func (c *Client) Friends(ctx context.Context) ([]FriendView, error) {
	var v friendList
	err := c.invokeView(ctx, "Friends", &emptypb.Empty{}, &v)
	return v.Friends, err
}

// AddFriend befriends username.
func (c *Client) AddFriend(ctx context.Context, username string) (FriendView, error) {
	var v FriendView
	err := c.invokeView(ctx, "AddFriend", wrapperspb.String(username), &v)
	return v, err
}

// UpdateProfile changes the non-empty fields of req on the user's profile.
func (c *Client) UpdateProfile(ctx context.Context, req ProfileRequest) (ProfileView, error) {
	in, err := encode(req)
	if err != nil {
		return ProfileView{}, err
	}
	var v ProfileView
	err = c.invokeView(ctx, "UpdateProfile", in, &v)
	return v, err
}

// StartCall calls peerID, or the open conversation's peer when empty.
// kind is "audio" or "video"; empty means video.
func (c *Client) StartCall(ctx context.Context, peerID, kind string) error {
	req, err := encode(startCallRequest{PeerID: peerID, Kind: kind})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "StartCall", req, &emptypb.Empty{})
}

// AcceptCall answers the pending offer.
func (c *Client) AcceptCall(ctx context.Context) error {
	return c.invoke(ctx, "AcceptCall", &emptypb.Empty{}, &emptypb.Empty{})
}

// DeclineCall rejects the pending offer.
func (c *Client) DeclineCall(ctx context.Context) error {
	return c.invoke(ctx, "DeclineCall", &emptypb.Empty{}, &emptypb.Empty{})
}

// EndCall hangs up.
func (c *Client) EndCall(ctx context.Context) error {
	return c.invoke(ctx, "EndCall", &emptypb.Empty{}, &emptypb.Empty{})
}

// CallHistory returns up to limit recent calls.
func (c *Client) CallHistory(ctx context.Context, limit int) ([]CallRecordView, error) {
	var v callList
	err := c.invokeView(ctx, "CallHistory", wrapperspb.Int32(int32(limit)), &v)
	return v.Calls, err
}

// Watch streams events under namespace to fn until ctx ends, the stream
// fails or fn returns an error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(EventView) error) error {
	stream, err := c.conn.NewStream(ctx, &controlServiceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(wrapperspb.String(namespace)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := &structpb.Struct{}
		if err := stream.RecvMsg(out); err != nil {
			return err
		}
		var evt EventView
		if err := decode(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
