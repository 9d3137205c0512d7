// Package chat is a minimal Telegram Bot API client covering the four
// operations the tunnel needs: send a text message, poll for updates,
// upload a document, and download a document. The Bot API is a plain
// HTTPS/JSON surface, so this is net/http all the way down.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/pkg/errors"
)

// DefaultBaseURL is the Bot API endpoint prefix; the bot token is appended
// directly to it, Telegram style.
const DefaultBaseURL = "https://api.telegram.org/bot"

const (
	retryInitialDelay = time.Second
	retryMaxDelay     = 5 * time.Second
)

// Update is one entry from getUpdates. Exactly one of Message and
// ChannelPost is set for the updates the tunnel cares about.
type Update struct {
	UpdateID    int64    `json:"update_id"`
	Message     *Message `json:"message"`
	ChannelPost *Message `json:"channel_post"`
}

// Message is the subset of a Telegram message the tunnel reads.
type Message struct {
	MessageID int64     `json:"message_id"`
	Text      string    `json:"text"`
	Chat      Chat      `json:"chat"`
	Document  *Document `json:"document"`
}

type Chat struct {
	ID int64 `json:"id"`
}

// Document is an uploaded file attached to a message.
type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

// Client talks to one bot. It is safe for concurrent use.
type Client struct {
	baseURL     string
	token       string
	hc          *http.Client
	pollTimeout time.Duration
}

// NewClient creates a client for the bot identified by token. baseURL
// defaults to DefaultBaseURL when empty.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:     baseURL,
		token:       token,
		hc:          &http.Client{Timeout: 90 * time.Second},
		pollTimeout: 25 * time.Second,
	}
}

func (c *Client) methodURL(method string) string {
	return c.baseURL + c.token + "/" + method
}

// fileURL derives the file-download prefix from the API prefix, i.e.
// ".../bot<token>/..." becomes ".../file/bot<token>/...".
func (c *Client) fileURL(path string) string {
	base := strings.Replace(c.baseURL, "/bot", "/file/bot", 1)
	return base + c.token + "/" + path
}

// SendText posts a text message to the chat. Transient failures are retried
// with a backoff that starts at one second and caps at five.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	return c.withRetry(ctx, "sendMessage", func(ctx context.Context) error {
		body, err := json.Marshal(map[string]string{"chat_id": chatID, "text": text})
		if err != nil {
			return err
		}
		return c.invoke(ctx, "sendMessage", "application/json", bytes.NewReader(body), nil)
	})
}

// SendDocument uploads data as a document with the given file name.
func (c *Client) SendDocument(ctx context.Context, chatID, filename string, data []byte) error {
	return c.withRetry(ctx, "sendDocument", func(ctx context.Context) error {
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		if err := mw.WriteField("chat_id", chatID); err != nil {
			return err
		}
		fw, err := mw.CreateFormFile("document", filename)
		if err != nil {
			return err
		}
		if _, err = fw.Write(data); err != nil {
			return err
		}
		if err = mw.Close(); err != nil {
			return err
		}
		return c.invoke(ctx, "sendDocument", mw.FormDataContentType(), body, nil)
	})
}

// PollUpdates long-polls for updates past offset. It does not retry; the
// caller owns the poll loop and its backoff.
func (c *Client) PollUpdates(ctx context.Context, offset int64, limit int) ([]Update, error) {
	q := url.Values{}
	if offset != 0 {
		q.Set("offset", strconv.FormatInt(offset, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if c.pollTimeout > 0 {
		q.Set("timeout", strconv.Itoa(int(c.pollTimeout/time.Second)))
	}
	var updates []Update
	if err := c.invoke(ctx, "getUpdates?"+q.Encode(), "", nil, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// DownloadDocument fetches the content of an uploaded document.
func (c *Client) DownloadDocument(ctx context.Context, fileID string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var file struct {
		FilePath string `json:"file_path"`
	}
	if err = c.invoke(ctx, "getFile", "application/json", bytes.NewReader(body), &file); err != nil {
		return nil, err
	}
	if file.FilePath == "" {
		return nil, &FatalError{Err: errors.Errorf("getFile returned no path for %s", fileID)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(file.FilePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, errors.Errorf("file download returned status %d", resp.StatusCode), 0)
	}
	return io.ReadAll(resp.Body)
}

// apiEnvelope is the Bot API response wrapper.
type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Client) invoke(ctx context.Context, method, contentType string, body io.Reader, out interface{}) error {
	httpMethod := http.MethodPost
	if body == nil {
		httpMethod = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, c.methodURL(method), body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err = json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return classifyStatus(resp.StatusCode, errors.Wrap(err, "decoding API response"), 0)
	}
	if !env.OK {
		retryAfter := time.Duration(0)
		if env.Parameters != nil {
			retryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return classifyStatus(code, errors.Errorf("API error %d: %s", code, env.Description), retryAfter)
	}
	if out != nil {
		if err = json.Unmarshal(env.Result, out); err != nil {
			return errors.Wrap(err, "decoding API result")
		}
	}
	return nil
}

func classifyStatus(code int, err error, retryAfter time.Duration) error {
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return &TransientError{Err: err, RetryAfter: retryAfter}
	default:
		return &FatalError{Err: err}
	}
}

func (c *Client) withRetry(ctx context.Context, what string, f func(context.Context) error) error {
	delay := retryInitialDelay
	for {
		err := f(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		var t *TransientError
		if !errors.As(err, &t) {
			return err
		}
		wait := delay
		if t.RetryAfter > wait {
			wait = t.RetryAfter
		}
		dlog.Debugf(ctx, "%s waiting %s before retrying after error: %v", what, wait, err)
		dtime.SleepWithContext(ctx, wait)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

// ChatIDString formats a numeric chat ID the way the API expects it back.
func ChatIDString(id int64) string {
	return fmt.Sprintf("%d", id)
}
