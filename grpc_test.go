package fluxlog

import (
	"context"
	"testing"

	"github.com/fluxlog/fluxlog/pkg/apierror"
	"github.com/fluxlog/fluxlog/pkg/constant/generalkey"
	"github.com/fluxlog/fluxlog/pkg/infrastructure/logger"
	"github.com/fluxlog/fluxlog/pkg/model"
	"github.com/fluxlog/fluxlog/pkg/reqcontext"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// TestGRPCUnaryPropagatesCorrelator tests that the interceptor attaches the
// inbound correlator and a fresh transaction id to the handler context.
func TestGRPCUnaryPropagatesCorrelator(t *testing.T) {
	interceptor := NewGRPCUnary()
	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs("x-correlator", "abc-123"))

	info := &grpc.UnaryServerInfo{FullMethod: "/orders.Orders/Get"}
	res, err := interceptor(ctx, "request", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		rc := reqcontext.FromContext(ctx)
		assert.Equal(t, "abc-123", rc.Correlator())
		assert.NotEmpty(t, rc.TransactionID())
		return "response", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "response", res)
}

// TestGRPCUnaryGeneratesCorrelator tests that a missing correlator metadata
// entry results in a generated one.
func TestGRPCUnaryGeneratesCorrelator(t *testing.T) {
	interceptor := NewGRPCUnary()

	info := &grpc.UnaryServerInfo{FullMethod: "/orders.Orders/Get"}
	_, err := interceptor(context.Background(), "request", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		assert.NotEmpty(t, reqcontext.FromContext(ctx).Correlator())
		return nil, nil
	})

	assert.NoError(t, err)
}

// TestGRPCUnaryMapsTaxonomyError tests that a taxonomy failure surfaces as
// the matching gRPC status code.
func TestGRPCUnaryMapsTaxonomyError(t *testing.T) {
	interceptor := NewGRPCUnary()

	info := &grpc.UnaryServerInfo{FullMethod: "/orders.Orders/Get"}
	_, err := interceptor(context.Background(), "request", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, apierror.NewNotFound("no such order")
	})

	st, ok := status.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Equal(t, "no such order", st.Message())
}

// TestGRPCUnaryNormalizesUnknownError tests that arbitrary failures map to
// codes.Internal with a redacted message.
func TestGRPCUnaryNormalizesUnknownError(t *testing.T) {
	interceptor := NewGRPCUnary()

	info := &grpc.UnaryServerInfo{FullMethod: "/orders.Orders/Get"}
	_, err := interceptor(context.Background(), "request", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.New("secret detail")
	})

	st, ok := status.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.NotContains(t, st.Message(), "secret detail")
}

// TestGRPCUnaryPassesThroughStatusError tests that handler errors already
// carrying a gRPC status are not rewrapped.
func TestGRPCUnaryPassesThroughStatusError(t *testing.T) {
	interceptor := NewGRPCUnary()
	original := status.Error(codes.ResourceExhausted, "quota exceeded")

	info := &grpc.UnaryServerInfo{FullMethod: "/orders.Orders/Get"}
	_, err := interceptor(context.Background(), "request", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, original
	})

	st, ok := status.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.ResourceExhausted, st.Code())
}

// TestGRPCUnaryResponseLogCarriesContext tests that the response payload
// line is tagged with the call's own correlator, not with fields from any
// other in-flight request.
func TestGRPCUnaryResponseLogCarriesContext(t *testing.T) {
	hook := &captureHook{}
	logger.Logger().AddHook(hook)
	previous := logger.Logger().GetLevel()
	logger.Logger().SetLevel(logrus.DebugLevel)
	t.Cleanup(func() { logger.Logger().SetLevel(previous) })

	interceptor := NewGRPCUnary()
	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs("x-correlator", "abc-123"))

	info := &grpc.UnaryServerInfo{FullMethod: "/orders.Orders/Get"}
	_, err := interceptor(ctx, "request", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return map[string]any{"ok": true}, nil
	})
	assert.NoError(t, err)

	var found bool
	for _, fields := range hook.snapshot() {
		if _, ok := fields["grpcResponseString"]; !ok {
			continue
		}
		found = true
		assert.Equal(t, "abc-123", fields[reqcontext.FieldCorrelator])
	}
	assert.True(t, found)
}

// serverStream is a minimal grpc.ServerStream for interceptor tests.
type serverStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s serverStream) Context() context.Context {
	return s.ctx
}

// TestGRPCStreamPropagatesContext tests that the stream interceptor hands
// the enriched context to the handler.
func TestGRPCStreamPropagatesContext(t *testing.T) {
	interceptor := NewGRPCStream()
	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs("x-correlator", "abc-123"))

	info := &grpc.StreamServerInfo{FullMethod: "/orders.Orders/Watch", IsServerStream: true}
	err := interceptor(nil, serverStream{ctx: ctx}, info, func(srv interface{}, stream grpc.ServerStream) error {
		assert.Equal(t, "abc-123", reqcontext.FromContext(stream.Context()).Correlator())
		return nil
	})

	assert.NoError(t, err)
}

// TestGRPCStreamMapsError tests error mapping for streaming handlers.
func TestGRPCStreamMapsError(t *testing.T) {
	interceptor := NewGRPCStream()

	info := &grpc.StreamServerInfo{FullMethod: "/orders.Orders/Watch"}
	err := interceptor(nil, serverStream{ctx: context.Background()}, info, func(srv interface{}, stream grpc.ServerStream) error {
		return apierror.NewUpstreamUnavailable("backend down")
	})

	st, ok := status.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.Unavailable, st.Code())
}

// TestLogGRPCClient tests outbound call accumulation on the call context.
func TestLogGRPCClient(t *testing.T) {
	var clientLog []logrus.Fields
	ctx := context.WithValue(context.Background(), generalkey.ClientLog, &clientLog) //nolint:staticcheck

	LogGRPCClient(ctx, model.TargetRequest{
		URL:    "dns:///backend.internal",
		Method: "/orders.Orders/Get",
		Body:   []byte(`{"id":1}`),
	}, model.TargetResponse{
		Status: 0,
		Body:   []byte(`{"ok":true}`),
	})

	assert.Len(t, clientLog, 1)
	assert.Equal(t, "/orders.Orders/Get", clientLog[0]["targetRequestMethod"])
}
