// Package graph is the Microsoft Graph client: the mail gateway plus the
// provider side of the push subscription API.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"inbox-triage/pkg/triage"
)

const (
	baseURL = "https://graph.microsoft.com/v1.0"

	// MaxLifetimeMinutes is the provider cap on mail subscription lifetime.
	// Requested lifetimes above this are clamped, not rejected.
	MaxLifetimeMinutes = 4230

	pageSize       = 50
	requestTimeout = 30 * time.Second
)

// Client talks to Microsoft Graph for one mailbox.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	breaker    *gobreaker.CircuitBreaker
	principal  string // "me" or "users/{address}"
}

// New creates a Graph client authenticated by the given token source.
// targetUser selects the mailbox for app-mode auth; empty means "me".
func New(ctx context.Context, ts oauth2.TokenSource, targetUser string, logger *slog.Logger) *Client {
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = requestTimeout

	principal := "me"
	if targetUser != "" {
		principal = "users/" + url.PathEscape(targetUser)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "graph-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		httpClient: httpClient,
		logger:     logger,
		breaker:    breaker,
		principal:  principal,
	}
}

// breakerSuccess keeps 404s out of the failure counts. A missing message is
// a deleted message, not an API outage.
func breakerSuccess(err error) bool {
	return err == nil || IsNotFound(err)
}

// FolderResource is the subscription resource path for a well-known folder
// in this client's mailbox.
func (c *Client) FolderResource(folder string) string {
	return fmt.Sprintf("%s/mailFolders('%s')/messages", c.principal, folder)
}

type graphAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphMessage struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	IsRead   bool   `json:"isRead"`
	Received string `json:"receivedDateTime"`
	Preview  string `json:"bodyPreview"`
	From     struct {
		EmailAddress graphAddress `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

const messageSelect = "$select=id,subject,from,bodyPreview,body,receivedDateTime,isRead"

// ListUnread lists unread messages in a folder, newest first, following
// pagination links. maxCount of 0 means all.
func (c *Client) ListUnread(ctx context.Context, folder string, maxCount int) ([]*triage.Message, error) {
	endpoint := fmt.Sprintf("%s/%s/mailFolders/%s/messages?$filter=isRead eq false&$orderby=receivedDateTime desc&$top=%d&%s",
		baseURL, c.principal, url.PathEscape(folder), pageSize, messageSelect)

	var messages []*triage.Message
	next := endpoint

	for next != "" {
		var page struct {
			Value    []graphMessage `json:"value"`
			NextLink string         `json:"@odata.nextLink"`
		}

		err := retry.Do(
			func() error {
				return c.doJSON(ctx, http.MethodGet, next, nil, &page)
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(30*time.Second),
			retry.MaxJitter(5*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, err error) {
				c.logger.Info("Retrying unread list after error", "attempt", n, "error", err)
			}),
			retry.RetryIf(IsTransient),
		)
		if err != nil {
			return nil, fmt.Errorf("list unread: %w", err)
		}

		for i := range page.Value {
			messages = append(messages, convertMessage(&page.Value[i]))
			if maxCount > 0 && len(messages) >= maxCount {
				c.logger.Info("Unread list truncated", "max", maxCount)
				return messages, nil
			}
		}
		next = page.NextLink
	}

	c.logger.Info("Unread messages fetched", "count", len(messages), "folder", folder)
	return messages, nil
}

// MessageByID fetches a single message. No retries here: the digest pipeline
// treats a transient failure as a Failed result and the scheduler retries.
func (c *Client) MessageByID(ctx context.Context, id string) (*triage.Message, error) {
	endpoint := fmt.Sprintf("%s/%s/messages/%s?%s", baseURL, c.principal, url.PathEscape(id), messageSelect)

	result, err := c.breaker.Execute(func() (any, error) {
		var msg graphMessage
		if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &msg); err != nil {
			return nil, err
		}
		return convertMessage(&msg), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TransientError{Op: "fetch message", Err: err}
		}
		return nil, err
	}

	msg, ok := result.(*triage.Message)
	if !ok {
		return nil, &TransientError{Op: "fetch message", Err: fmt.Errorf("unexpected result type %T", result)}
	}
	return msg, nil
}

// MarkRead marks a message as read so the polling fallback does not digest it again.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("%s/%s/messages/%s", baseURL, c.principal, url.PathEscape(id))
	body := map[string]bool{"isRead": true}
	return c.doJSON(ctx, http.MethodPatch, endpoint, body, nil)
}

// CreateSubscription registers a push subscription for the resource and
// returns the provider-issued ID and expiration. The lifetime has already
// been clamped by the caller.
func (c *Client) CreateSubscription(ctx context.Context, notificationURL, resource, changeType, clientState string, lifetimeMinutes int) (string, time.Time, error) {
	payload := map[string]string{
		"changeType":         changeType,
		"notificationUrl":    notificationURL,
		"resource":           resource,
		"expirationDateTime": time.Now().UTC().Add(time.Duration(lifetimeMinutes) * time.Minute).Format(time.RFC3339),
		"clientState":        clientState,
	}

	var resp struct {
		ID                 string `json:"id"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}

	err := retry.Do(
		func() error {
			return c.doJSON(ctx, http.MethodPost, baseURL+"/subscriptions", payload, &resp)
		},
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying subscription create after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			// The provider validates the callback during create; a rejected
			// handshake can succeed on a later attempt, auth cannot.
			return IsTransient(err) || IsRejected(err)
		}),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create subscription: %w", err)
	}

	expiration, perr := time.Parse(time.RFC3339, resp.ExpirationDateTime)
	if perr != nil {
		return "", time.Time{}, &RejectedError{Op: "create subscription", Status: 200, Detail: "unparseable expiration: " + resp.ExpirationDateTime}
	}

	c.logger.Info("Subscription created", "subscription_id", resp.ID, "resource", resource, "expires", expiration.Format(time.RFC3339))
	return resp.ID, expiration, nil
}

// RenewSubscription extends a subscription and returns its new expiration.
func (c *Client) RenewSubscription(ctx context.Context, id string, lifetimeMinutes int) (time.Time, error) {
	payload := map[string]string{
		"expirationDateTime": time.Now().UTC().Add(time.Duration(lifetimeMinutes) * time.Minute).Format(time.RFC3339),
	}

	var resp struct {
		ExpirationDateTime string `json:"expirationDateTime"`
	}

	err := retry.Do(
		func() error {
			return c.doJSON(ctx, http.MethodPatch, baseURL+"/subscriptions/"+url.PathEscape(id), payload, &resp)
		},
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying subscription renew after error", "attempt", n, "subscription_id", id, "error", err)
		}),
		retry.RetryIf(IsTransient),
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("renew subscription: %w", err)
	}

	expiration, perr := time.Parse(time.RFC3339, resp.ExpirationDateTime)
	if perr != nil {
		return time.Time{}, &RejectedError{Op: "renew subscription", Status: 200, Detail: "unparseable expiration: " + resp.ExpirationDateTime}
	}

	c.logger.Info("Subscription renewed", "subscription_id", id, "expires", expiration.Format(time.RFC3339))
	return expiration, nil
}

// DeleteSubscription tears down a subscription. Deleting one that is already
// gone is not an error worth surfacing.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, baseURL+"/subscriptions/"+url.PathEscape(id), nil, nil)
	if IsNotFound(err) {
		c.logger.Info("Subscription already gone on provider side", "subscription_id", id)
		return nil
	}
	return err
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Warn("Graph request failed",
			"method", method,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return &TransientError{Op: method + " " + endpoint, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("Graph request completed",
		"method", method,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return classifyStatus(method+" "+endpoint, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: "decode response", Err: err}
	}
	return nil
}

func convertMessage(m *graphMessage) *triage.Message {
	received, _ := time.Parse(time.RFC3339, m.Received)

	sender := m.From.EmailAddress.Address
	if m.From.EmailAddress.Name != "" {
		sender = fmt.Sprintf("%s <%s>", m.From.EmailAddress.Name, m.From.EmailAddress.Address)
	}
	if sender == "" {
		sender = "(unknown)"
	}

	body := m.Body.Content
	if strings.EqualFold(m.Body.ContentType, "html") {
		body = htmlToText(body)
	}
	if strings.TrimSpace(body) == "" {
		body = m.Preview
	}

	return &triage.Message{
		ID:         m.ID,
		Subject:    m.Subject,
		Sender:     sender,
		ReceivedAt: received,
		Body:       body,
		IsRead:     m.IsRead,
	}
}

// htmlToText reduces an HTML message body to readable plain text.
func htmlToText(htmlBody string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return htmlBody
	}
	doc.Find("script, style").Remove()

	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}

	// Collapse runs of whitespace left behind by block elements.
	fields := strings.Fields(text)
	return strings.Join(fields, " ")
}
