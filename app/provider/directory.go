package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const ContestStatusUpcoming = "upcoming"

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type Contest struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Status   string          `json:"status"`
	EntryFee decimal.Decimal `json:"entryFee"`
	StartsAt *time.Time      `json:"startsAt"`
}

// directoryClient reads records from a sibling service authenticated with the shared API key.
type directoryClient struct {
	name    string
	baseURL string
	client  *resty.Client
}

func newDirectoryClient(name, baseURL, apiKey string, timeout time.Duration) directoryClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}
	return directoryClient{
		name:    name,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  client,
	}
}

func (c directoryClient) fetch(ctx context.Context, op, path string, out interface{}) error {
	if c.baseURL == "" {
		return notConfigured(c.name, op, c.name+" service url")
	}

	ctx, span := tracer.Start(ctx, c.name+"."+op)
	defer span.End()

	resp, err := c.client.R().SetContext(ctx).SetResult(out).Get(c.baseURL + path)
	if err != nil {
		return transportError(c.name, op, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return ErrDirectoryNotFound
	}
	if resp.IsError() {
		return &GatewayError{Gateway: c.name, Op: op, Kind: GatewayErrorRejected, StatusCode: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
	}
	return nil
}

type UserDirectory struct {
	c directoryClient
}

func NewUserDirectory(baseURL, apiKey string, timeout time.Duration) *UserDirectory {
	return &UserDirectory{c: newDirectoryClient("profile", baseURL, apiKey, timeout)}
}

func (d *UserDirectory) GetUser(ctx context.Context, userID string) (*User, error) {
	user := &User{}
	if err := d.c.fetch(ctx, "get_user", "/users/"+url.PathEscape(userID), user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		user.ID = userID
	}
	return user, nil
}

type ContestDirectory struct {
	c directoryClient
}

func NewContestDirectory(baseURL, apiKey string, timeout time.Duration) *ContestDirectory {
	return &ContestDirectory{c: newDirectoryClient("contest", baseURL, apiKey, timeout)}
}

func (d *ContestDirectory) GetContest(ctx context.Context, contestID string) (*Contest, error) {
	contest := &Contest{}
	if err := d.c.fetch(ctx, "get_contest", "/contests/"+url.PathEscape(contestID), contest); err != nil {
		return nil, err
	}
	if contest.ID == "" {
		contest.ID = contestID
	}
	return contest, nil
}
