package app

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/register"
	"tokenex.com/pkg/register/etcd"
)

func (a *App) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if a.etcdCli != nil {
		cli, prefix, name := a.etcdCli, a.servicePrefix(), a.cfg.Name
		mux.Handle("/peers", peersHandler(instanceID(), func(ctx context.Context) ([]register.Instance, error) {
			return etcd.Discovery(ctx, cli, prefix, name)
		}))
	}
	return mux
}

type peersResp struct {
	Self   string              `json:"self"`
	Leader string              `json:"leader,omitempty"`
	Peers  []register.Instance `json:"peers"`
}

// peersHandler 列出注册中心里同名服务的实例，运维看谁是主节点
func peersHandler(self string, list func(ctx context.Context) ([]register.Instance, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		peers, err := list(ctx)
		if err != nil {
			logger.Warn(ctx, "list peers failed", zap.Error(err))
			http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
			return
		}
		resp := peersResp{Self: self, Peers: peers}
		if l := etcd.Leader(peers); l != nil {
			resp.Leader = l.ID
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}
