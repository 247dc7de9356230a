package fluxlog

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxlog/fluxlog/pkg/apierror"
	"github.com/fluxlog/fluxlog/pkg/constant/generalkey"
	"github.com/fluxlog/fluxlog/pkg/diagnostic"
	"github.com/fluxlog/fluxlog/pkg/flow"
	"github.com/fluxlog/fluxlog/pkg/infrastructure/logger"
	"github.com/fluxlog/fluxlog/pkg/model"
	"github.com/fluxlog/fluxlog/pkg/reqcontext"
	"github.com/fluxlog/fluxlog/pkg/util"
	"github.com/goccy/go-json"
	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const (
	correlatorMetadataKey    = "x-correlator"
	transactionIDMetadataKey = "x-transaction-id"
)

// NewGRPCUnary returns a grpc.UnaryServerInterceptor that runs the same
// chain as the HTTP middlewares: identity from incoming metadata, lifecycle
// logging through the request flow, and taxonomy mapping of handler errors
// to gRPC status codes.
func NewGRPCUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, fl, clientLog := prepareGRPCContext(ctx)

		start := time.Now()
		fl.Subscribe(
			flow.OnValue(func(value any) {
				method, ok := value.(string)
				if !ok {
					return
				}
				logger.Logger().WithFields(logrus.Fields{
					"grpcMethod":       method,
					"requestTimestamp": start.Format(time.RFC3339Nano),
				}).Info("request start")
			}),
			flow.OnComplete(func() {
				logGRPC(ctx, info.FullMethod, start, nil, req, nil, clientLog)
			}),
			flow.OnError(func(err error) {
				logGRPC(ctx, info.FullMethod, start, err, req, nil, clientLog)
			}),
		)
		fl.Emit(info.FullMethod)

		res, err := handler(ctx, req)
		if err != nil {
			fl.Fail(err)
			return nil, grpcStatusError(err)
		}

		fl.Complete()
		logGRPCResponse(ctx, res)

		return res, nil
	}
}

// NewGRPCStream returns a grpc.StreamServerInterceptor with the same chain
// for streaming calls. The wrapped stream carries the enriched context to
// the handler.
func NewGRPCStream() grpc.StreamServerInterceptor {
	return func(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, fl, clientLog := prepareGRPCContext(stream.Context())
		wrapped := grpcmiddleware.WrapServerStream(stream)
		wrapped.WrappedContext = ctx

		start := time.Now()
		fl.Subscribe(
			flow.OnComplete(func() {
				logGRPC(ctx, info.FullMethod, start, nil, nil, info, clientLog)
			}),
			flow.OnError(func(err error) {
				logGRPC(ctx, info.FullMethod, start, err, nil, info, clientLog)
			}),
		)

		err := handler(srv, wrapped)
		if err != nil {
			fl.Fail(err)
			return grpcStatusError(err)
		}

		fl.Complete()
		return nil
	}
}

// LogGRPCClient appends an outbound call record to the request-scoped slice.
func LogGRPCClient(ctx context.Context, req model.TargetRequest, res model.TargetResponse) {
	logData := util.BuildTargetLogFields(req, res)

	if stored, ok := ctx.Value(generalkey.ClientLog).(*[]logrus.Fields); ok {
		*stored = append(*stored, logData)
	}
}

// prepareGRPCContext builds the identity context for one call: correlator
// from incoming metadata or generated, fresh transaction id, request flow
// bound to the enriched context. Both ids are echoed as response headers.
func prepareGRPCContext(ctx context.Context) (context.Context, *flow.Flow, *[]logrus.Fields) {
	rc := newRequestContext(metadataValue(ctx, correlatorMetadataKey))

	ctx = reqcontext.With(ctx, rc)
	ctx = context.WithValue(ctx, generalkey.RequestContext, rc)
	ctx = context.WithValue(ctx, generalkey.Logger, requestEntry(rc))

	var clientLog []logrus.Fields
	ctx = context.WithValue(ctx, generalkey.ClientLog, &clientLog)

	_ = grpc.SetHeader(ctx, metadata.Pairs(
		correlatorMetadataKey, rc.Correlator(),
		transactionIDMetadataKey, rc.TransactionID(),
	))

	return ctx, flow.New(ctx), &clientLog
}

func metadataValue(ctx context.Context, key string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md[key]; len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// grpcStatusError converts a handler error to the gRPC status of its
// taxonomy variant. Errors that already carry a gRPC status pass through.
func grpcStatusError(err error) error {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr.GRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return apierror.From(err).GRPCStatus().Err()
}

func logGRPC(
	ctx context.Context,
	fullMethod string,
	start time.Time,
	err error,
	request interface{},
	streamInfo *grpc.StreamServerInfo,
	clientLog *[]logrus.Fields,
) {
	latency := time.Since(start)

	fields := logrus.Fields{
		"grpcMethod":        fullMethod,
		"grpcRequestMeta":   metadataToMap(ctx),
		"grpcPeer":          peerAddress(ctx),
		"requestTimestamp":  start.Format(time.RFC3339Nano),
		"responseTimestamp": start.Add(latency).Format(time.RFC3339Nano),
		"responseLatency":   latency.String(),
		"target":            readClientLog(clientLog),
	}

	if request != nil {
		body, bodyString := marshalPayload(request)
		fields["grpcRequest"] = body
		fields["grpcRequestString"] = bodyString
	}
	if streamInfo != nil {
		fields["grpcIsClientStream"] = streamInfo.IsClientStream
		fields["grpcIsServerStream"] = streamInfo.IsServerStream
	}

	if err != nil {
		apiErr := apierror.From(err)
		fields["errorCategory"] = string(apiErr.Category)
		fields["errorCode"] = apiErr.Code
		fields["grpcStatusCode"] = apiErr.GRPCStatus().Code().String()
		logger.Logger().WithError(err).WithFields(fields).Error("request failed")
		return
	}

	fields["grpcStatusCode"] = status.Code(nil).String()
	logger.Logger().WithFields(fields).Info("request end")
}

// logGRPCResponse logs the unary response payload after completion. The
// emission runs inside its own diagnostic cycle so the line carries the
// call's context fields like any signal-driven line.
func logGRPCResponse(ctx context.Context, response interface{}) {
	if response == nil {
		return
	}
	body, bodyString := marshalPayload(response)
	diagnostic.WithFields(reqcontext.FromContext(ctx).Map(), func() {
		logger.Logger().WithFields(logrus.Fields{
			"grpcResponse":       body,
			"grpcResponseString": bodyString,
		}).Debug("response payload")
	})
}

func marshalPayload(value interface{}) (logrus.Fields, string) {
	if value == nil {
		return logrus.Fields{}, ""
	}

	var (
		raw []byte
		err error
	)

	switch v := value.(type) {
	case proto.Message:
		raw, err = protojson.MarshalOptions{
			EmitUnpopulated: true,
			UseProtoNames:   true,
		}.Marshal(v)
	default:
		raw, err = json.Marshal(v)
	}

	if err != nil {
		logger.Logger().Error(err)
		return logrus.Fields{}, fmt.Sprint(value)
	}

	var fields logrus.Fields
	if err = json.Unmarshal(raw, &fields); err != nil {
		logger.Logger().Error(err)
	}

	return fields, string(raw)
}

func metadataToMap(ctx context.Context) map[string]interface{} {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return map[string]interface{}{}
	}

	result := make(map[string]interface{}, len(md))
	for key, vals := range md {
		if len(vals) == 1 {
			result[key] = vals[0]
			continue
		}
		result[key] = vals
	}

	return result
}

func peerAddress(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

func readClientLog(clientLog *[]logrus.Fields) []logrus.Fields {
	if clientLog == nil {
		return nil
	}
	return *clientLog
}
