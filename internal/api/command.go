package api

import (
	"context"
	"errors"
	"strings"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/catalog"
	"github.com/matheus3301/campus/internal/outbox"
	"github.com/matheus3301/campus/internal/restapi"
	"github.com/matheus3301/campus/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// CommandServiceName is the gRPC service through which campusctl drives the
// daemon. Every write to the session cache from outside the daemon goes here.
const CommandServiceName = "campus.v1.CommandService"

// Subscriptions joins and leaves communities on the live connection.
type Subscriptions interface {
	Subscribe(ctx context.Context, id string) error
	Unsubscribe(ctx context.Context, id string) error
	Joined() []string
}

// Catalog serves reference lists.
type Catalog interface {
	Conversations(ctx context.Context) ([]restapi.Conversation, error)
	Courses(ctx context.Context) ([]restapi.Course, error)
	Categories(ctx context.Context) ([]restapi.Category, error)
	Refresh(key string) error
}

// Identity is the local user messages are sent as.
type Identity struct {
	ID   string
	Name string
}

type MembershipRequest struct {
	CommunityID string `json:"community_id"`
}

type MembershipResponse struct {
	CommunityID string   `json:"community_id"`
	Joined      []string `json:"joined"`
}

type SendRequest struct {
	CommunityID string `json:"community_id"`
	Text        string `json:"text"`
	ReplyTo     string `json:"reply_to,omitempty"`
	Image       string `json:"image,omitempty"`
	Document    string `json:"document,omitempty"`
}

type SendResponse struct {
	TempID string `json:"temp_id"`
	Status string `json:"status"`
}

type ListRequest struct{}

type CoursesResponse struct {
	Courses []restapi.Course `json:"courses"`
}

type CategoriesResponse struct {
	Categories []restapi.Category `json:"categories"`
}

// RefreshRequest names a reference list: conversations, courses or categories.
type RefreshRequest struct {
	List string `json:"list"`
}

type RefreshResponse struct {
	List  string `json:"list"`
	Count int    `json:"count"`
}

// CommandService implements the command service.
type CommandService struct {
	db     *store.DB
	bus    *bus.Bus
	subs   Subscriptions
	cat    Catalog
	user   Identity
	logger *zap.Logger
}

// NewCommandService creates a command service that queues sends into db and
// routes membership changes through subs.
func NewCommandService(db *store.DB, b *bus.Bus, subs Subscriptions, cat Catalog, user Identity, logger *zap.Logger) *CommandService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandService{db: db, bus: b, subs: subs, cat: cat, user: user, logger: logger}
}

func (s *CommandService) Join(ctx context.Context, req *MembershipRequest) (*MembershipResponse, error) {
	id := strings.TrimSpace(req.CommunityID)
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "community_id is required")
	}
	if err := s.subs.Subscribe(ctx, id); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "join %s: %v", id, err)
	}
	s.logger.Info("community joined", zap.String("community_id", id))
	return &MembershipResponse{CommunityID: id, Joined: s.subs.Joined()}, nil
}

func (s *CommandService) Leave(ctx context.Context, req *MembershipRequest) (*MembershipResponse, error) {
	id := strings.TrimSpace(req.CommunityID)
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "community_id is required")
	}
	if err := s.subs.Unsubscribe(ctx, id); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "leave %s: %v", id, err)
	}
	s.logger.Info("community left", zap.String("community_id", id))
	return &MembershipResponse{CommunityID: id, Joined: s.subs.Joined()}, nil
}

func (s *CommandService) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if strings.TrimSpace(req.CommunityID) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "community_id is required")
	}
	if s.user.ID == "" {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "user.id is not configured")
	}
	tempID, err := outbox.Queue(ctx, s.db, s.bus, outbox.Draft{
		CommunityID: req.CommunityID,
		SenderID:    s.user.ID,
		SenderName:  s.user.Name,
		Body:        req.Text,
		Image:       req.Image,
		Document:    req.Document,
		ReplyToID:   req.ReplyTo,
	})
	if errors.Is(err, outbox.ErrEmptyDraft) {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "queue message: %v", err)
	}
	return &SendResponse{TempID: tempID, Status: store.StatusPending}, nil
}

func (s *CommandService) ListCourses(ctx context.Context, _ *ListRequest) (*CoursesResponse, error) {
	courses, err := s.cat.Courses(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "list courses: %v", err)
	}
	return &CoursesResponse{Courses: courses}, nil
}

func (s *CommandService) ListCategories(ctx context.Context, _ *ListRequest) (*CategoriesResponse, error) {
	categories, err := s.cat.Categories(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "list categories: %v", err)
	}
	return &CategoriesResponse{Categories: categories}, nil
}

// Refresh drops a cached reference list and refetches it.
func (s *CommandService) Refresh(ctx context.Context, req *RefreshRequest) (*RefreshResponse, error) {
	var key string
	var reload func(context.Context) (int, error)
	switch req.List {
	case "conversations":
		key = catalog.KeyConversations
		reload = func(ctx context.Context) (int, error) {
			l, err := s.cat.Conversations(ctx)
			return len(l), err
		}
	case "courses":
		key = catalog.KeyCourses
		reload = func(ctx context.Context) (int, error) {
			l, err := s.cat.Courses(ctx)
			return len(l), err
		}
	case "categories":
		key = catalog.KeyCategories
		reload = func(ctx context.Context) (int, error) {
			l, err := s.cat.Categories(ctx)
			return len(l), err
		}
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown list %q", req.List)
	}
	if err := s.cat.Refresh(key); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "refresh %s: %v", req.List, err)
	}
	n, err := reload(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "refresh %s: %v", req.List, err)
	}
	return &RefreshResponse{List: req.List, Count: n}, nil
}

// commandServer is the handler type checked by grpc.Server.RegisterService.
type commandServer interface {
	Join(context.Context, *MembershipRequest) (*MembershipResponse, error)
	Leave(context.Context, *MembershipRequest) (*MembershipResponse, error)
	Send(context.Context, *SendRequest) (*SendResponse, error)
	ListCourses(context.Context, *ListRequest) (*CoursesResponse, error)
	ListCategories(context.Context, *ListRequest) (*CategoriesResponse, error)
	Refresh(context.Context, *RefreshRequest) (*RefreshResponse, error)
}

var commandServiceDesc = grpc.ServiceDesc{
	ServiceName: CommandServiceName,
	HandlerType: (*commandServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Join", commandServer.Join),
		unary("Leave", commandServer.Leave),
		unary("Send", commandServer.Send),
		unary("ListCourses", commandServer.ListCourses),
		unary("ListCategories", commandServer.ListCategories),
		unary("Refresh", commandServer.Refresh),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterCommandServer registers svc on s.
func RegisterCommandServer(s grpc.ServiceRegistrar, svc *CommandService) {
	s.RegisterService(&commandServiceDesc, svc)
}

func unary[Req, Resp any](method string, call func(commandServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + CommandServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(commandServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}
