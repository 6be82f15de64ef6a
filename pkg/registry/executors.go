package registry

import (
	"net/http"

	"github.com/dukex/taskflow/pkg/executors/httprequest"
	"github.com/dukex/taskflow/pkg/executors/log"
	"github.com/dukex/taskflow/pkg/executors/transform"
)

// RegisterDefaultExecutors registers all built-in executor factories.
func (r *Registry) RegisterDefaultExecutors() {
	r.Register(httprequest.NewFactory(http.DefaultClient))
	r.Register(transform.NewFactory())
	r.Register(log.NewFactory(r.logger))
}
