// Package monitoring talks to the monitoring service that machines report
// their provisioning status into. The Client registers machines, refreshes
// their status into a fleet.Registry and waits for the fleet to converge.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"iut/pkg/apperr"
	"iut/pkg/bus"
	"iut/pkg/clock"
	"iut/pkg/fleet"
)

const (
	// HTTPTimeout bounds every request to the monitoring service.
	HTTPTimeout = 5 * time.Second
	// PollInterval separates fetches while waiting for convergence.
	PollInterval = 5 * time.Second
	// WaitTimeout is the default convergence timeout of WaitForStatus.
	WaitTimeout = time.Hour

	// SubjectStatus receives a StatusEvent per observed transition.
	SubjectStatus = "iut.machines.status"

	maxIDAttempts = 64
)

// Item is one entry of the service's machine listing.
type Item struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	IP     string `json:"ip,omitempty"`
}

type listResponse struct {
	Items []Item `json:"items"`
}

type createRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Publisher receives status transition events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// StatusEvent is published for every status transition the client observes.
type StatusEvent struct {
	ID      string    `json:"id"`
	Machine string    `json:"machine"`
	Cluster string    `json:"cluster"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to"`
	At      time.Time `json:"at"`
}

// Client is bound to one Service for one provisioning run.
type Client struct {
	svc      Service
	http     *http.Client
	newID    func() (string, error)
	clock    clock.Clock
	interval time.Duration
	log      logrus.FieldLogger
	events   Publisher
	// queue sits in front of events so a slow bus never delays a refresh.
	queue *bus.Async

	mu     sync.Mutex
	aliens map[string]struct{}
}

type Option func(*Client)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithIDGenerator replaces the random machine id generator.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(c *Client) { c.newID = gen }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithPollInterval changes the WaitForStatus fetch interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.interval = d }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) { c.log = log }
}

// WithPublisher publishes status transitions to p. Events are queued and
// forwarded in the background until Close.
func WithPublisher(p Publisher) Option {
	return func(c *Client) { c.events = p }
}

// NewClient returns a Client for svc.
func NewClient(svc Service, opts ...Option) *Client {
	c := &Client{
		svc: svc,
		http: &http.Client{
			Timeout:   HTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		newID:    NewID,
		clock:    clock.Real(),
		interval: PollInterval,
		log:      logrus.StandardLogger(),
		aliens:   map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.events != nil {
		c.queue = bus.NewAsync(c.events, 0, func(subject string, err error) {
			c.log.WithError(err).Debugf("Failed to publish %s event", subject)
		})
	}
	return c
}

// Close waits for queued status events until ctx is done. It is a no-op
// without a publisher.
func (c *Client) Close(ctx context.Context) error {
	if c.queue == nil {
		return nil
	}
	return c.queue.Close(ctx)
}

// NewID returns a random 32 character hexadecimal machine id.
func NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// Register assigns an id to every machine of reg that lacks one and creates
// it in the monitoring service with the init status. Registration stops at
// the first failure; machines registered before it stay registered.
func (c *Client) Register(ctx context.Context, reg *fleet.Registry) error {
	const op = "register machines"

	registered := 0
	for i := 0; i < reg.Len(); i++ {
		if reg.Machine(i).ID != "" {
			continue
		}
		id, err := c.uniqueID(reg)
		if err != nil {
			return apperr.New(apperr.KindInternal, op, err)
		}
		if err := reg.AssignID(i, id); err != nil {
			return apperr.New(apperr.KindInternal, op, err)
		}
		m := reg.Machine(i)
		if err := c.create(ctx, id); err != nil {
			return apperr.New(apperr.KindService, op, fmt.Errorf("machine %s: %w", m.Key(), err))
		}
		c.log.WithFields(logrus.Fields{"machine": m.Key(), "id": id}).
			Debug("Successfully registered the machine in the monitoring service")
		registered++
	}

	c.log.Infof("Registered %d machine%s in the monitoring service", registered, plural(registered))
	return nil
}

// uniqueID draws ids until one was never issued by reg.
func (c *Client) uniqueID(reg *fleet.Registry) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := c.newID()
		if err != nil {
			return "", fmt.Errorf("generate machine id: %w", err)
		}
		if id != "" && !reg.Issued(id) {
			return id, nil
		}
		c.log.WithField("id", id).Debug("Discarding colliding machine id")
	}
	return "", fmt.Errorf("no unique machine id after %d attempts", maxIDAttempts)
}

func (c *Client) create(ctx context.Context, id string) error {
	body, err := json.Marshal(createRequest{ID: id, Status: fleet.StatusInit})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.svc.URL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post machine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return unexpectedStatus(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Fetch returns the service's current machine listing.
func (c *Client) Fetch(ctx context.Context) ([]Item, error) {
	const op = "fetch machine status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.svc.URL(), nil)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindService, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindService, op, unexpectedStatus(resp))
	}

	var payload listResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, apperr.New(apperr.KindService, op, fmt.Errorf("decode response: %w", err))
	}
	return payload.Items, nil
}

// Refresh performs one fetch and applies it to reg. Unknown ids are reported
// once per client.
func (c *Client) Refresh(ctx context.Context, reg *fleet.Registry) error {
	items, err := c.Fetch(ctx)
	if err != nil {
		return err
	}

	for _, item := range items {
		change, ok := reg.Observe(fleet.Observation{ID: item.ID, Status: item.Status, Address: item.IP})
		if !ok {
			c.alien(item.ID)
			continue
		}
		m := change.Machine
		if change.StatusChanged {
			c.transition(ctx, m, change.PreviousStatus, item.Status)
		}
		if change.AddressChanged {
			c.log.WithField("machine", m.Key()).Debugf("A machine %s reported its address as %s", m.Name, m.Address)
		}
	}
	return nil
}

// WaitForStatus polls the service until every machine of reg reports
// desired, the timeout elapses or ctx is cancelled. It tracks status in a
// local snapshot and never mutates the registry.
func (c *Client) WaitForStatus(ctx context.Context, reg fleet.Reader, desired string, timeout time.Duration) error {
	const op = "wait for machines status"

	machines := reg.Machines()
	snapshot := make(map[string]*fleet.Machine, len(machines))
	for i := range machines {
		if machines[i].ID == "" {
			return apperr.Errorf(apperr.KindInternal, op, "machine %s is not registered", machines[i].Key())
		}
		machines[i].Status = ""
		snapshot[machines[i].ID] = &machines[i]
	}

	c.log.Infof("Waiting for %d machine%s to reach the '%s' status (timeout: %s)",
		len(machines), plural(len(machines)), desired, timeout)

	if len(machines) == 0 {
		return nil
	}

	deadline := c.clock.Now().Add(timeout)
	for c.clock.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return apperr.New(apperr.KindCancelled, op, err)
		}

		items, err := c.Fetch(ctx)
		if err != nil {
			return err
		}
		for _, item := range items {
			m, ok := snapshot[item.ID]
			if !ok {
				c.alien(item.ID)
				continue
			}
			if m.Status != item.Status {
				c.transition(ctx, *m, m.Status, item.Status)
				m.Status = item.Status
			}
		}

		if converged(snapshot, desired) {
			c.log.Infof("All the tracked machines have reached the '%s' status", desired)
			return nil
		}

		wait := min(c.interval, clock.Until(c.clock, deadline))
		select {
		case <-ctx.Done():
			return apperr.New(apperr.KindCancelled, op, ctx.Err())
		case <-c.clock.After(wait):
		}
	}

	return apperr.Errorf(apperr.KindTimeout, op, "gave up waiting for all the machines to reach the '%s' status", desired)
}

func converged(snapshot map[string]*fleet.Machine, desired string) bool {
	for _, m := range snapshot {
		if m.Status != desired {
			return false
		}
	}
	return true
}

func (c *Client) transition(ctx context.Context, m fleet.Machine, from, to string) {
	previous := "unknown"
	if from != "" {
		previous = "'" + from + "'"
	}
	c.log.WithFields(logrus.Fields{"machine": m.Key(), "id": m.ID}).
		Infof("A machine (%s) changed its status from %s to '%s'", m.Name, previous, to)

	if c.queue == nil {
		return
	}
	event := StatusEvent{ID: m.ID, Machine: m.Name, Cluster: m.Cluster, From: from, To: to, At: c.clock.Now().UTC()}
	if err := c.queue.Publish(ctx, SubjectStatus, event); err != nil {
		c.log.WithError(err).Debug("Failed to queue status event")
	}
}

func (c *Client) alien(id string) {
	c.mu.Lock()
	_, known := c.aliens[id]
	c.aliens[id] = struct{}{}
	c.mu.Unlock()

	if !known {
		c.log.Warnf("Alien machine spotted: %s", id)
	}
}

func unexpectedStatus(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	text := strings.TrimSpace(string(msg))
	if text == "" {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return fmt.Errorf("unexpected status %s: %s", resp.Status, text)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// Tracker binds a Client to the registry it keeps up to date.
type Tracker struct {
	client *Client
	reg    *fleet.Registry
}

// Track returns a Tracker refreshing reg.
func (c *Client) Track(reg *fleet.Registry) *Tracker {
	return &Tracker{client: c, reg: reg}
}

// Refresh performs one refresh pass of the tracked registry.
func (t *Tracker) Refresh(ctx context.Context) error {
	return t.client.Refresh(ctx, t.reg)
}

// Fleet returns the read-only view of the tracked registry.
func (t *Tracker) Fleet() fleet.Reader { return t.reg }
