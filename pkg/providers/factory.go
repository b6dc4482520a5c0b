package providers

import (
	"sync"

	"github.com/HKUDS/wxdify/pkg/config"
	"go.uber.org/zap"
)

// Router picks the Dify app for a chat identity. Group chats listed in
// dify.group_mapping get their own app; all other chats use the default.
// Providers are built once per route and reused.
type Router struct {
	cfg       *config.Config
	logger    *zap.Logger
	providers map[config.DifyRoute]ChatProvider
	build     func(config.DifyRoute) ChatProvider
	mu        sync.Mutex
}

// NewRouter creates a new Router over cfg's Dify routes.
func NewRouter(cfg *config.Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:       cfg,
		logger:    logger,
		providers: make(map[config.DifyRoute]ChatProvider),
		build: func(route config.DifyRoute) ChatProvider {
			return NewDifyProvider(route.APIURL, route.APIKey, route.TimeoutDuration())
		},
	}
}

// NewStaticRouter routes every chat to p.
func NewStaticRouter(p ChatProvider) *Router {
	return &Router{
		cfg:       config.DefaultConfig(),
		logger:    zap.NewNop(),
		providers: make(map[config.DifyRoute]ChatProvider),
		build:     func(config.DifyRoute) ChatProvider { return p },
	}
}

// ProviderFor returns the provider serving chatID.
func (r *Router) ProviderFor(chatID string) ChatProvider {
	route, mapped := r.cfg.RouteFor(chatID)
	if mapped {
		r.logger.Debug("using group dify route", zap.String("chat", chatID), zap.String("route", route.Description))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[route]; ok {
		return p
	}
	p := r.build(route)
	r.providers[route] = p
	return p
}
