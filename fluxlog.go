// Package fluxlog provides a request middleware chain for Fiber, Gin and
// gRPC that attaches a diagnostic request context to each inbound request,
// logs the request lifecycle through signal handlers, and maps taxonomy
// errors to structured HTTP responses.
package fluxlog

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fluxlog/fluxlog/pkg/apierror"
	"github.com/fluxlog/fluxlog/pkg/constant/envkey"
	"github.com/fluxlog/fluxlog/pkg/constant/generalkey"
	"github.com/fluxlog/fluxlog/pkg/flow"
	"github.com/fluxlog/fluxlog/pkg/infrastructure/logger"
	"github.com/fluxlog/fluxlog/pkg/model"
	"github.com/fluxlog/fluxlog/pkg/reqcontext"
	"github.com/fluxlog/fluxlog/pkg/util"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// requestStart is the value emitted on the request flow when handling begins.
type requestStart struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// responseBodyWriter is a custom response writer that captures the response body.
type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write writes the response body to both the underlying ResponseWriter and the buffer.
func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// SetConfig publishes the logger and identity configuration through the
// environment so that the singleton logger and the middleware pick it up.
func SetConfig(config model.Config) {
	pairs := map[string]string{
		envkey.ElasticIndex:    config.ElasticIndex,
		envkey.ElasticURL:      config.ElasticURL,
		envkey.ElasticUsername: config.ElasticUsername,
		envkey.ElasticPassword: config.ElasticPassword,
		envkey.ServiceName:     config.ServiceName,
		envkey.ComponentName:   config.ComponentName,
	}
	for key, value := range pairs {
		if err := os.Setenv(key, value); err != nil {
			logger.Logger().Error(err)
		}
	}
}

// newRequestContext builds the identity context for one inbound request:
// the correlator from the request or a generated one, a fresh transaction
// id, and the configured service/component names.
func newRequestContext(correlator string) *reqcontext.Context {
	if correlator == "" {
		correlator = uuid.NewString()
	}
	rc := reqcontext.New().
		SetTransactionID(uuid.NewString()).
		SetCorrelator(correlator)
	if service := os.Getenv(envkey.ServiceName); service != "" {
		rc = rc.SetService(service)
	}
	if component := os.Getenv(envkey.ComponentName); component != "" {
		rc = rc.SetComponent(component)
	}
	return rc
}

// requestEntry returns a logger entry pre-configured with the request
// identity, for handlers that log outside a signal cycle.
func requestEntry(rc *reqcontext.Context) *logrus.Entry {
	return logger.Logger().WithFields(logrus.Fields{
		reqcontext.FieldTransactionID: rc.TransactionID(),
		reqcontext.FieldCorrelator:    rc.Correlator(),
	})
}

// normalizeError converts any handler error to a taxonomy error. Framework
// errors carrying a status code keep it; everything unrecognized becomes an
// internal server fault with a redacted message.
func normalizeError(err error) *apierror.Error {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return errorFromStatus(fiberErr.Code, fiberErr.Message, err)
	}
	return apierror.From(err)
}

// errorFromStatus maps a bare HTTP status to the matching taxonomy variant.
func errorFromStatus(status int, message string, cause error) *apierror.Error {
	switch status {
	case http.StatusBadRequest:
		return apierror.NewBadRequest(message)
	case http.StatusUnauthorized:
		return apierror.NewUnauthorized(message)
	case http.StatusForbidden:
		return apierror.NewForbidden(message)
	case http.StatusNotFound:
		return apierror.NewNotFound(message)
	case http.StatusConflict:
		return apierror.NewConflict(message)
	case http.StatusUnprocessableEntity:
		return apierror.NewUnprocessableEntity(message)
	case http.StatusServiceUnavailable:
		return apierror.NewUpstreamUnavailable(message)
	default:
		return apierror.From(cause)
	}
}

// NewFiber creates a Fiber middleware that establishes the request context,
// logs the request lifecycle and maps handler failures to error responses.
func NewFiber() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rc := newRequestContext(c.Get(generalkey.CorrelatorHeader))

		// Echo identity on the response before the handler runs.
		c.Set(generalkey.CorrelatorHeader, rc.Correlator())
		c.Set(generalkey.TransactionIDHeader, rc.TransactionID())

		ctx := reqcontext.With(c.UserContext(), rc)
		c.SetUserContext(ctx)

		fl := flow.New(ctx)
		c.Locals(generalkey.Flow, fl)
		c.Locals(generalkey.RequestContext, rc)
		c.Locals(generalkey.Logger, requestEntry(rc))
		c.Locals(generalkey.ClientLog, []logrus.Fields{})

		requestTime := time.Now()
		fl.Subscribe(
			flow.OnValue(func(value any) {
				start, ok := value.(requestStart)
				if !ok {
					return
				}
				logger.Logger().WithFields(logrus.Fields{
					"requestMethod":    start.Method,
					"requestUrl":       start.Path,
					"requestTimestamp": requestTime.Format(time.RFC3339Nano),
				}).Info("request start")
			}),
			flow.OnComplete(func() {
				logFiber(c, requestTime)
			}),
			flow.OnError(func(err error) {
				logFiberError(c, requestTime, err)
			}),
		)

		fl.Emit(requestStart{Method: c.Method(), Path: c.Path()})

		if err := c.Next(); err != nil {
			fl.Fail(err)
			apiErr := normalizeError(err)
			return c.Status(apiErr.Status).JSON(apiErr.Body())
		}

		fl.Complete()
		return nil
	}
}

// logFiber logs the details of the Fiber request and response.
func logFiber(c *fiber.Ctx, requestTime time.Time) {
	latency := time.Since(requestTime)

	var request, response logrus.Fields
	if err := json.Unmarshal(c.Body(), &request); err != nil {
		request = nil
	}
	if err := json.Unmarshal(c.Response().Body(), &response); err != nil {
		response = nil
	}

	clientLog, _ := c.Locals(generalkey.ClientLog).([]logrus.Fields)

	logger.Logger().WithFields(logrus.Fields{
		"requestAgent":       c.Get(fiber.HeaderUserAgent),
		"requestBody":        request,
		"requestContentType": c.Get(fiber.HeaderContentType),
		"requestHeader":      c.GetReqHeaders(),
		"requestHostName":    c.Hostname(),
		"requestIp":          c.IP(),
		"requestMethod":      c.Method(),
		"requestProtocol":    c.Protocol(),
		"requestTimestamp":   requestTime.Format(time.RFC3339Nano),
		"requestUrl":         c.BaseURL() + c.OriginalURL(),
		"responseBody":       response,
		"responseHeader":     util.HeaderToMap(&c.Response().Header),
		"responseLatency":    latency.String(),
		"responseStatus":     c.Response().StatusCode(),
		"responseTimestamp":  requestTime.Add(latency).Format(time.RFC3339Nano),
		"target":             clientLog,
	}).Info("request end")
}

// logFiberError logs a failed Fiber request with the status the failure
// maps to. The original error is logged in full; the response only carries
// the taxonomy body.
func logFiberError(c *fiber.Ctx, requestTime time.Time, err error) {
	latency := time.Since(requestTime)
	apiErr := normalizeError(err)

	clientLog, _ := c.Locals(generalkey.ClientLog).([]logrus.Fields)

	logger.Logger().WithError(err).WithFields(logrus.Fields{
		"errorCategory":    string(apiErr.Category),
		"errorCode":        apiErr.Code,
		"requestMethod":    c.Method(),
		"requestUrl":       c.BaseURL() + c.OriginalURL(),
		"requestTimestamp": requestTime.Format(time.RFC3339Nano),
		"responseLatency":  latency.String(),
		"responseStatus":   apiErr.Status,
		"target":           clientLog,
	}).Error("request failed")
}

// OperationFiber wraps a Fiber handler so the operation name is attached to
// the request context before the handler runs. Log lines emitted for later
// lifecycle signals carry the name in the op field.
func OperationFiber(operation string, handler fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rc := reqcontext.FromContext(c.UserContext()).SetOperation(operation)
		c.SetUserContext(reqcontext.With(c.UserContext(), rc))
		c.Locals(generalkey.RequestContext, rc)
		if fl, ok := c.Locals(generalkey.Flow).(*flow.Flow); ok {
			fl.Attach(rc)
		}
		return handler(c)
	}
}

// LogFiberClient records an outbound call made while serving the current
// Fiber request. The record is flushed with the request's final log line.
func LogFiberClient(c *fiber.Ctx, req model.TargetRequest, res model.TargetResponse) {
	logData := util.BuildTargetLogFields(req, res)

	clientLog, _ := c.Locals(generalkey.ClientLog).([]logrus.Fields)
	c.Locals(generalkey.ClientLog, append(clientLog, logData))
}

// NewGin creates a Gin middleware with the same chain as NewFiber: identity,
// lifecycle logging and error mapping. Handlers report failures through
// c.Error; the last reported error is mapped to the response when nothing
// has been written yet.
func NewGin() gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := newRequestContext(c.GetHeader(generalkey.CorrelatorHeader))

		c.Header(generalkey.CorrelatorHeader, rc.Correlator())
		c.Header(generalkey.TransactionIDHeader, rc.TransactionID())

		ctx := reqcontext.With(c.Request.Context(), rc)
		c.Request = c.Request.WithContext(ctx)

		fl := flow.New(ctx)
		c.Set(generalkey.Flow, fl)
		c.Set(generalkey.RequestContext, rc)
		c.Set(generalkey.Logger, requestEntry(rc))
		c.Set(generalkey.ClientLog, []logrus.Fields{})

		bodyBuf := &bytes.Buffer{}
		writer := responseBodyWriter{body: bodyBuf, ResponseWriter: c.Writer}
		c.Writer = writer

		requestTime := time.Now()
		fl.Subscribe(
			flow.OnValue(func(value any) {
				start, ok := value.(requestStart)
				if !ok {
					return
				}
				logger.Logger().WithFields(logrus.Fields{
					"requestMethod":    start.Method,
					"requestUrl":       start.Path,
					"requestTimestamp": requestTime.Format(time.RFC3339Nano),
				}).Info("request start")
			}),
			flow.OnComplete(func() {
				logGin(c, bodyBuf, requestTime)
			}),
			flow.OnError(func(err error) {
				logGinError(c, requestTime, err)
			}),
		)

		fl.Emit(requestStart{Method: c.Request.Method, Path: c.Request.URL.Path})

		c.Next()

		if last := c.Errors.Last(); last != nil {
			fl.Fail(last.Err)
			apiErr := normalizeError(last.Err)
			if !c.Writer.Written() {
				c.JSON(apiErr.Status, apiErr.Body())
			}
			return
		}

		fl.Complete()
	}
}

// logGin logs the details of the Gin request and response.
func logGin(c *gin.Context, buf *bytes.Buffer, requestTime time.Time) {
	latency := time.Since(requestTime)

	var request, response logrus.Fields
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		bodyBytes = nil
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	if err = json.Unmarshal(bodyBytes, &request); err != nil {
		request = nil
	}
	if err = json.Unmarshal(buf.Bytes(), &response); err != nil {
		response = nil
	}

	clientLog := ginClientLog(c)

	logger.Logger().WithFields(logrus.Fields{
		"requestAgent":       c.Request.UserAgent(),
		"requestBody":        request,
		"requestContentType": c.ContentType(),
		"requestHeader":      c.Request.Header,
		"requestHostName":    c.Request.Host,
		"requestIp":          c.ClientIP(),
		"requestMethod":      c.Request.Method,
		"requestTimestamp":   requestTime.Format(time.RFC3339Nano),
		"requestUrl":         c.Request.Host + c.Request.URL.String(),
		"responseBody":       response,
		"responseHeader":     c.Writer.Header(),
		"responseLatency":    latency.String(),
		"responseStatus":     c.Writer.Status(),
		"responseTimestamp":  requestTime.Add(latency).Format(time.RFC3339Nano),
		"target":             clientLog,
	}).Info("request end")
}

// logGinError logs a failed Gin request with the mapped status.
func logGinError(c *gin.Context, requestTime time.Time, err error) {
	latency := time.Since(requestTime)
	apiErr := normalizeError(err)

	logger.Logger().WithError(err).WithFields(logrus.Fields{
		"errorCategory":    string(apiErr.Category),
		"errorCode":        apiErr.Code,
		"requestMethod":    c.Request.Method,
		"requestUrl":       c.Request.Host + c.Request.URL.String(),
		"requestTimestamp": requestTime.Format(time.RFC3339Nano),
		"responseLatency":  latency.String(),
		"responseStatus":   apiErr.Status,
		"target":           ginClientLog(c),
	}).Error("request failed")
}

func ginClientLog(c *gin.Context) []logrus.Fields {
	stored, exists := c.Get(generalkey.ClientLog)
	if !exists {
		return nil
	}
	clientLog, _ := stored.([]logrus.Fields)
	return clientLog
}

// OperationGin wraps a Gin handler so the operation name is attached to the
// request context before the handler runs.
func OperationGin(operation string, handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := reqcontext.FromContext(c.Request.Context()).SetOperation(operation)
		c.Request = c.Request.WithContext(reqcontext.With(c.Request.Context(), rc))
		c.Set(generalkey.RequestContext, rc)
		if stored, exists := c.Get(generalkey.Flow); exists {
			if fl, ok := stored.(*flow.Flow); ok {
				fl.Attach(rc)
			}
		}
		handler(c)
	}
}

// LogGinClient records an outbound call made while serving the current Gin
// request.
func LogGinClient(c *gin.Context, req model.TargetRequest, res model.TargetResponse) {
	logData := util.BuildTargetLogFields(req, res)

	stored, exists := c.Get(generalkey.ClientLog)
	if !exists {
		stored = []logrus.Fields{}
	}
	clientLog, _ := stored.([]logrus.Fields)
	c.Set(generalkey.ClientLog, append(clientLog, logData))
}
