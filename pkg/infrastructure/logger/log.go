// Package logger provides a logging utility that integrates with ElasticSearch and
// uses the logrus package for structured logging. This package initializes a singleton
// logger instance that can be used throughout an application for logging events.
// Entries shipped to ElasticSearch go through an asynchronous hook with a local
// fallback file, so a slow or failing cluster never blocks or loses request logs.
package logger

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/fluxlog/fluxlog/pkg/constant/envkey"
	"github.com/fluxlog/fluxlog/pkg/diagnostic"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"go.elastic.co/ecslogrus"
	"gopkg.in/go-extras/elogrus.v8"
)

const (
	fallbackLogPath  = "fluxlog-fallback.log"
	fallbackMaxBytes = int64(5 * 1024 * 1024)
	asyncHookBuffer  = 1024
)

var (
	client   *elasticsearch.Client // ElasticSearch client for sending log data
	instance *logrus.Logger        // Singleton instance of the logger
	once     sync.Once             // Ensures the logger is initialized only once
	mutex    sync.Mutex            // Protects access to the logger instance and client
)

// Seams for tests and alternative transports.
var (
	newESClient = func(cfg elasticsearch.Config) (*elasticsearch.Client, error) {
		return elasticsearch.NewClient(cfg)
	}
	pingWithContext = func(c *elasticsearch.Client, ctx context.Context) (*esapi.Response, error) {
		return c.Ping(c.Ping.WithContext(ctx))
	}
	tickerFactory = time.NewTicker
	monitorStop   chan struct{}
)

// ecsLogMessageModifierFunc returns a function that modifies log messages
// using the ECS log formatter. If an error occurs during formatting, the original
// log entry is preserved.
func ecsLogMessageModifierFunc(formatter *ecslogrus.Formatter) func(*logrus.Entry, *elogrus.Message) any {
	return func(entry *logrus.Entry, _ *elogrus.Message) any {
		data, err := formatter.Format(entry)
		if err != nil {
			return entry
		}
		return json.RawMessage(data)
	}
}

// indexNameFunc generates the index name for ElasticSearch by concatenating the
// environment-specific index prefix and the current date in YYYY-MM-DD format.
func indexNameFunc() string {
	return fmt.Sprint(os.Getenv(envkey.ElasticIndex), "-", time.Now().Format("2006-01-02"))
}

// asyncHook decouples hook delivery from the logging call. Entries are
// duplicated and handed to a background worker; a delivery failure lands in
// the fallback file instead of surfacing to the caller.
type asyncHook struct {
	hook    logrus.Hook
	entries chan *logrus.Entry
}

func newAsyncHook(hook logrus.Hook) *asyncHook {
	h := &asyncHook{
		hook:    hook,
		entries: make(chan *logrus.Entry, asyncHookBuffer),
	}
	go h.worker()
	return h
}

// Levels reports that the async hook fires for all levels.
func (h *asyncHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire enqueues a copy of the entry for background delivery. It never
// returns an error to the logging call site.
func (h *asyncHook) Fire(entry *logrus.Entry) error {
	h.entries <- duplicateEntry(entry)
	return nil
}

func (h *asyncHook) worker() {
	for entry := range h.entries {
		if err := h.hook.Fire(entry); err != nil {
			writeFallbackLog(entry, err)
		}
	}
}

// copyBuffer clones an entry buffer so the async worker never shares memory
// with the original logging call.
func copyBuffer(buf *bytes.Buffer) *bytes.Buffer {
	if buf == nil {
		return nil
	}
	return bytes.NewBuffer(append([]byte(nil), buf.Bytes()...))
}

// duplicateEntry clones an entry for asynchronous delivery.
func duplicateEntry(entry *logrus.Entry) *logrus.Entry {
	dup := entry.Dup()
	dup.Level = entry.Level
	dup.Message = entry.Message
	dup.Caller = entry.Caller
	dup.Buffer = copyBuffer(entry.Buffer)
	return dup
}

// formatEntry renders an entry with its own logger's formatter.
func formatEntry(entry *logrus.Entry) []byte {
	if entry == nil {
		return nil
	}
	data, err := entry.Logger.Formatter.Format(entry)
	if err != nil {
		return []byte(entry.Message)
	}
	return data
}

// buildFallbackBytes renders one newline-terminated fallback record carrying
// the formatted entry and the hook failure.
func buildFallbackBytes(entry *logrus.Entry, hookErr error) []byte {
	record := map[string]any{
		"log":        string(formatEntry(entry)),
		"hook_error": hookErr.Error(),
		"timestamp":  time.Now().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(record)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"log":%q,"hook_error":%q}`, entry.Message, hookErr.Error()))
	}
	return append(data, '\n')
}

// writeFallbackLog appends the failed entry to the local fallback file,
// trimming the oldest records when the file would exceed its size cap.
func writeFallbackLog(entry *logrus.Entry, hookErr error) {
	payload := buildFallbackBytes(entry, hookErr)
	if err := ensureFallbackCapacity(int64(len(payload))); err != nil {
		return
	}
	file, err := os.OpenFile(fallbackLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer func() {
		_ = file.Close()
	}()
	_, _ = file.Write(payload)
}

// ensureFallbackCapacity trims the fallback file so that incoming additional
// bytes still fit under fallbackMaxBytes.
func ensureFallbackCapacity(incoming int64) error {
	size, err := fileSize(fallbackLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if size+incoming <= fallbackMaxBytes {
		return nil
	}
	return trimOldestLines(fallbackLogPath, size+incoming-fallbackMaxBytes)
}

// trimOldestLines drops whole lines from the start of the file while the
// dropped total stays within bytesToFree.
func trimOldestLines(path string, bytesToFree int64) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}

	var kept bytes.Buffer
	var freed int64
	scanner := newScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		lineSize := int64(len(line)) + 1
		if freed+lineSize <= bytesToFree {
			freed += lineSize
			continue
		}
		kept.WriteString(line)
		kept.WriteByte('\n')
	}
	if err = scanner.Err(); err != nil {
		_ = file.Close()
		return err
	}
	if err = file.Close(); err != nil {
		return err
	}

	return os.WriteFile(path, kept.Bytes(), 0o644)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	return bufio.NewScanner(r)
}

// logger initializes and configures a new instance of the logrus.Logger. It sets up
// the logger with ECS formatting and integrates it with ElasticSearch for centralized logging.
func logger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&ecslogrus.Formatter{})
	log.SetReportCaller(true)
	log.Hooks.Add(diagnostic.Hook{})

	elasticURL := os.Getenv(envkey.ElasticURL)
	if elasticURL == "" {
		log.Error("ElasticURL is not set")
		return log
	}

	// Configure HTTP transport with dial and header timeouts.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: 5 * time.Second,
	}

	c, err := newESClient(elasticsearch.Config{
		Addresses: []string{elasticURL},
		Username:  os.Getenv(envkey.ElasticUsername),
		Password:  os.Getenv(envkey.ElasticPassword),
		Transport: transport,
	})
	if err != nil {
		log.Error("Failed to create ES client: ", err)
		return log
	}

	// Ping with a 2-second timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := pingWithContext(c, ctx)
	if err != nil {
		log.Warn("Elasticsearch ping failed, skipping ES hook: ", err)
		client = nil
		return log
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			log.Error(err)
		}
	}(res.Body)

	client = c

	parsedURL, err := url.Parse(elasticURL)
	if err != nil {
		log.Error(err)
		return log
	}
	host := parsedURL.Hostname()

	hook, err := elogrus.NewElasticHookWithFunc(client, host, logrus.TraceLevel, indexNameFunc)
	if err != nil {
		log.Error(err)
		return log
	}
	hook.MessageModifierFunc = ecsLogMessageModifierFunc(&ecslogrus.Formatter{})
	log.Hooks.Add(newAsyncHook(hook))

	return log
}

// monitorConnection periodically checks the connection to ElasticSearch. If the
// connection is lost, it re-initializes the ElasticSearch client and hooks.
// This ensures that even if the ElasticSearch instance is restarted, the
// application will continue to log to ElasticSearch once the connection is
// re-established. Closing monitorStop ends the loop.
func monitorConnection() {
	ticker := tickerFactory(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mutex.Lock()
			if client != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_, err := pingWithContext(client, ctx)
				cancel()
				if err != nil {
					reinitializeLogger(instance)
				}
			} else {
				reinitializeLogger(instance)
			}
			mutex.Unlock()
		case <-monitorStop:
			return
		}
	}
}

// reinitializeLogger reinitialize the ElasticSearch client and logger if the connection
// to ElasticSearch is lost. This function is used by the connection monitoring goroutine.
// It pings the ElasticSearch server and reinitialize the logger if the connection is
// successful.
func reinitializeLogger(log *logrus.Logger) {
	elasticURL := os.Getenv(envkey.ElasticURL)
	if elasticURL == "" {
		log.Error("ElasticURL is not set")
		return
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: 5 * time.Second,
	}

	c, err := newESClient(elasticsearch.Config{
		Addresses: []string{elasticURL},
		Username:  os.Getenv(envkey.ElasticUsername),
		Password:  os.Getenv(envkey.ElasticPassword),
		Transport: transport,
	})
	if err != nil {
		log.Error("Failed to create ES client during reinit: ", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := pingWithContext(c, ctx)
	if err != nil {
		log.Warn("Elasticsearch ping failed during reinit, retaining old client: ", err)
		return
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			log.Error(err)
		}
	}(res.Body)

	client = c
	log.ReplaceHooks(make(logrus.LevelHooks))
	log.Hooks.Add(diagnostic.Hook{})

	parsedURL, err := url.Parse(elasticURL)
	if err != nil {
		log.Error(err)
		return
	}
	host := parsedURL.Hostname()

	hook, err := elogrus.NewElasticHookWithFunc(client, host, logrus.TraceLevel, indexNameFunc)
	if err != nil {
		log.Error(err)
		return
	}
	hook.MessageModifierFunc = ecsLogMessageModifierFunc(&ecslogrus.Formatter{})
	log.Hooks.Add(newAsyncHook(hook))
}

// Logger returns the singleton instance of the logrus.Logger. It initializes the logger
// on the first call and starts a background goroutine to monitor the ElasticSearch connection.
func Logger() *logrus.Logger {
	once.Do(func() {
		mutex.Lock()
		defer mutex.Unlock()
		instance = logger()
		go monitorConnection()
	})

	mutex.Lock()
	defer mutex.Unlock()
	return instance
}
