// Package transport implements the thin gRPC stub a Raft driver speaks to
// reach this replica's Log Manager. It carries one opaque RPC, Step,
// rather than a full Raft protocol: leader election, log matching, and
// retry are the driver's job, not this package's.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nexusraft/waldb/config"
	"github.com/nexusraft/waldb/raftlog"
	"github.com/nexusraft/waldb/wal"
)

// RaftTransportServer is the service this package exposes: a single RPC
// carrying an encoded batch of entries (and an optional hard state) from
// the driver to this replica's log.
type RaftTransportServer interface {
	Step(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// RaftTransportClient is the stub side of the same RPC, for a driver or
// test to call against a running Server.
type RaftTransportClient interface {
	Step(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
}

const stepFullMethod = "/waldb.transport.RaftTransport/Step"

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "waldb.transport.RaftTransport",
	HandlerType: (*RaftTransportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Step", Handler: stepHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transport.proto",
}

func stepHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftTransportServer).Step(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: stepFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftTransportServer).Step(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterRaftTransportServer registers srv against s, mirroring the shape
// of a protoc-generated registration function.
func RegisterRaftTransportServer(s grpc.ServiceRegistrar, srv RaftTransportServer) {
	s.RegisterService(&serviceDesc, srv)
}

type raftTransportClient struct {
	cc grpc.ClientConnInterface
}

// NewRaftTransportClient wraps cc with the Step RPC's client stub.
func NewRaftTransportClient(cc grpc.ClientConnInterface) RaftTransportClient {
	return &raftTransportClient{cc: cc}
}

func (c *raftTransportClient) Step(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, stepFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeBatch serializes entries and an optional hard state into the wire
// payload carried inside a Step call: entry_count(4, LE) | entries
// (length-prefixed raftlog.EncodeEntry frames) | has_hard_state(1) |
// hard_state(24, if present).
func EncodeBatch(entries []raftlog.Entry, hard *raftlog.HardState) []byte {
	var encodedEntries [][]byte
	total := 4
	for _, e := range entries {
		enc := raftlog.EncodeEntry(e)
		encodedEntries = append(encodedEntries, enc)
		total += 4 + len(enc)
	}
	total += 1
	if hard != nil {
		total += 24
	}

	buf := make([]byte, total)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(entries)))
	off += 4
	for _, enc := range encodedEntries {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(enc)))
		off += 4
		copy(buf[off:], enc)
		off += len(enc)
	}
	if hard != nil {
		buf[off] = 1
		off++
		copy(buf[off:], raftlog.EncodeHardState(*hard))
	} else {
		buf[off] = 0
	}
	return buf
}

// DecodeBatch parses a payload written by EncodeBatch.
func DecodeBatch(payload []byte) ([]raftlog.Entry, *raftlog.HardState, error) {
	if len(payload) < 4 {
		return nil, nil, fmt.Errorf("transport: batch too short (%d bytes)", len(payload))
	}
	count := binary.LittleEndian.Uint32(payload[0:4])
	off := 4

	entries := make([]raftlog.Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(payload) {
			return nil, nil, fmt.Errorf("transport: truncated batch reading entry %d length", i)
		}
		n := int(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		if off+n > len(payload) {
			return nil, nil, fmt.Errorf("transport: truncated batch reading entry %d payload", i)
		}
		e, err := raftlog.DecodeEntry(payload[off : off+n])
		if err != nil {
			return nil, nil, fmt.Errorf("transport: decode entry %d: %w", i, err)
		}
		entries = append(entries, e)
		off += n
	}

	if off >= len(payload) {
		return nil, nil, fmt.Errorf("transport: missing hard-state flag")
	}
	hasHard := payload[off] == 1
	off++
	if !hasHard {
		return entries, nil, nil
	}
	if off+24 > len(payload) {
		return nil, nil, fmt.Errorf("transport: truncated batch reading hard state")
	}
	hs, err := raftlog.DecodeHardState(payload[off : off+24])
	if err != nil {
		return nil, nil, fmt.Errorf("transport: decode hard state: %w", err)
	}
	return entries, &hs, nil
}

// Server implements RaftTransportServer against a local Log Manager. It
// is deliberately thin: no leader election, log matching, or retry logic
// lives here, only the wire/local-call boundary.
type Server struct {
	wal            wal.Interface
	logger         *slog.Logger
	grpcServer     *grpc.Server
	healthSrv      *health.Server
	peerSecretHash []byte
}

const peerSecretMetadataKey = "x-peer-secret"

// NewServer creates a Server that applies every Step call to w. If
// cfg.PeerSecretHash is set, every Step call must carry a matching
// "x-peer-secret" metadata value, bcrypt-compared against the configured
// hash, or the call is rejected with codes.Unauthenticated.
func NewServer(w wal.Interface, cfg config.TransportConfig, logger *slog.Logger) (*Server, error) {
	s := &Server{
		wal:            w,
		logger:         logger.With("component", "transport.Server"),
		healthSrv:      health.NewServer(),
		peerSecretHash: []byte(cfg.PeerSecretHash),
	}

	var opts []grpc.ServerOption
	if cfg.TLS.Enabled {
		creds, err := loadTLSCredentials(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("transport: load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
		s.logger.Info("transport server initialized with TLS")
	} else {
		s.logger.Info("transport server initialized without TLS (insecure)")
	}

	s.grpcServer = grpc.NewServer(opts...)
	RegisterRaftTransportServer(s.grpcServer, s)
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthSrv)
	reflection.Register(s.grpcServer)

	return s, nil
}

// Start begins serving on lis. It blocks until the server stops.
func (s *Server) Start(lis net.Listener) error {
	s.logger.Info("transport server listening", "address", lis.Addr().String())
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the server, waiting for in-flight RPCs to finish.
func (s *Server) Stop() {
	s.logger.Info("stopping transport server")
	s.healthSrv.Shutdown()
	s.grpcServer.GracefulStop()
}

// Step decodes the batch carried in req and writes it to the local Log
// Manager, returning the resulting last index as an 8-byte LE ack.
func (s *Server) Step(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	reqID := uuid.New().String()
	logger := s.logger.With("request_id", reqID)

	if err := s.authenticatePeer(ctx); err != nil {
		logger.Warn("step rejected unauthenticated peer", "error", err)
		return nil, status.Errorf(codes.Unauthenticated, "peer secret: %v", err)
	}

	entries, hard, err := DecodeBatch(req.GetValue())
	if err != nil {
		logger.Warn("step decode failed", "error", err)
		return nil, status.Errorf(codes.InvalidArgument, "decode batch: %v", err)
	}

	if err := s.wal.Write(entries, hard); err != nil {
		logger.Error("step write failed", "error", err)
		return nil, status.Errorf(codes.Internal, "wal write: %v", err)
	}
	logger.Debug("step applied", "entries", len(entries))

	ack := make([]byte, 8)
	binary.LittleEndian.PutUint64(ack, s.wal.LastIndex())
	return wrapperspb.Bytes(ack), nil
}

// authenticatePeer compares the caller-supplied "x-peer-secret" metadata
// value against the configured bcrypt hash. A zero-value peerSecretHash
// means no authentication was configured and every caller is allowed.
func (s *Server) authenticatePeer(ctx context.Context) error {
	if len(s.peerSecretHash) == 0 {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return fmt.Errorf("no metadata on incoming call")
	}
	vals := md.Get(peerSecretMetadataKey)
	if len(vals) == 0 {
		return fmt.Errorf("missing %s", peerSecretMetadataKey)
	}
	return bcrypt.CompareHashAndPassword(s.peerSecretHash, []byte(vals[0]))
}

// HashPeerSecret bcrypt-hashes secret for storage in a node's
// transport.peer_secret_hash config field.
func HashPeerSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func loadTLSCredentials(certFile, keyFile string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{Certificates: []tls.Certificate{cert}}), nil
}
