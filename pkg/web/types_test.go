package web

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// query runs fn inside a request for target and returns what it captured.
func query[T any](t *testing.T, route, target string, fn func(c fiber.Ctx) T) T {
	t.Helper()

	var got T

	app := fiber.New()
	app.Get(route, func(c fiber.Ctx) error {
		got = fn(c)

		return c.SendStatus(fiber.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest("GET", target, nil))
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	return got
}

func TestPageQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		target     string
		wantLimit  int
		wantOffset int
		wantErr    string
	}{
		{name: "defaults", target: "/"},
		{name: "both set", target: "/?limit=10&offset=30", wantLimit: 10, wantOffset: 30},
		{name: "negative limit", target: "/?limit=-1", wantErr: "limit must be a non-negative integer"},
		{name: "non numeric offset", target: "/?offset=abc", wantErr: "offset must be a non-negative integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			type page struct {
				limit, offset int
				err           error
			}

			got := query(t, "/", tt.target, func(c fiber.Ctx) page {
				limit, offset, err := pageQuery(c)

				return page{limit, offset, err}
			})

			if tt.wantErr != "" {
				require.Error(t, got.err)
				assert.Contains(t, got.err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, got.err)
			assert.Equal(t, tt.wantLimit, got.limit)
			assert.Equal(t, tt.wantOffset, got.offset)
		})
	}
}

func TestTimeQuery(t *testing.T) {
	t.Parallel()

	type parsed struct {
		value *time.Time
		err   error
	}

	parse := func(c fiber.Ctx) parsed {
		value, err := timeQuery(c, "from")

		return parsed{value, err}
	}

	got := query(t, "/", "/", parse)
	require.NoError(t, got.err)
	assert.Nil(t, got.value)

	got = query(t, "/", "/?from=2025-03-01T12:00:00Z", parse)
	require.NoError(t, got.err)
	require.NotNil(t, got.value)
	assert.True(t, got.value.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))

	got = query(t, "/", "/?from=yesterday", parse)
	require.EqualError(t, got.err, "from must be an RFC 3339 timestamp")
}

func TestStatusesQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		target string
		want   []models.InstanceStatus
	}{
		{target: "/", want: nil},
		{target: "/?status=running", want: []models.InstanceStatus{models.InstanceStatusRunning}},
		{
			target: "/?status=running,%20paused,,",
			want:   []models.InstanceStatus{models.InstanceStatusRunning, models.InstanceStatusPaused},
		},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, query(t, "/", tt.target, statusesQuery))
		})
	}
}

func TestVersionParam(t *testing.T) {
	t.Parallel()

	tests := []struct {
		version string
		want    uint
		wantErr bool
	}{
		{version: "latest", want: 0},
		{version: "1", want: 1},
		{version: "42", want: 42},
		{version: "0", wantErr: true},
		{version: "-3", wantErr: true},
		{version: "v2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			t.Parallel()

			type parsed struct {
				value uint
				err   error
			}

			got := query(t, "/:version", "/"+tt.version, func(c fiber.Ctx) parsed {
				value, err := versionParam(c)

				return parsed{value, err}
			})

			if tt.wantErr {
				require.Error(t, got.err)
				assert.Contains(t, got.err.Error(), tt.version)

				return
			}

			require.NoError(t, got.err)
			assert.Equal(t, tt.want, got.value)
		})
	}
}

func TestCancelRequest_Validation(t *testing.T) {
	t.Parallel()

	v := validator.New(validator.WithRequiredStructEnabled())

	require.NoError(t, v.Struct(CancelRequest{}))
	require.NoError(t, v.Struct(CancelRequest{Reason: "operator request"}))
	require.Error(t, v.Struct(CancelRequest{Reason: strings.Repeat("x", 1025)}))
}
