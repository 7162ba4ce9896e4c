package etcd

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/register"
	"tokenex.com/pkg/safe"
)

type Config struct {
	Endpoints         []string `mapstructure:"endpoints"`
	DialTimeoutSecond int      `mapstructure:"dial_timeout_seconds"`
	ServicePrefix     string   `mapstructure:"service_prefix"` // 比如 "/tokenex/services"
	TTLSecond         int64    `mapstructure:"ttl_seconds"`
}

func NewClient(c Config) (*clientv3.Client, error) {
	dial := time.Duration(c.DialTimeoutSecond) * time.Second
	if dial <= 0 {
		dial = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{Endpoints: c.Endpoints, DialTimeout: dial})
}

type EtcdRegister struct {
	client        *clientv3.Client
	basePath      string
	ttl           int64 // 租约秒数
	keepaliveChan <-chan *clientv3.LeaseKeepAliveResponse
	leaseID       clientv3.LeaseID
}

func NewEtcdRegister(c *clientv3.Client, basePath string, ttl int64) *EtcdRegister {
	if ttl <= 0 {
		ttl = 10
	}
	return &EtcdRegister{client: c, basePath: basePath, ttl: ttl}
}

func (e *EtcdRegister) key(ins *register.Instance) string {
	return fmt.Sprintf("%s/%s/%s", e.basePath, ins.Name, ins.ID)
}

// Register 租约 + keepalive；ctx 取消后续约停止，lease 过期 key 自动删除
func (e *EtcdRegister) Register(ctx context.Context, ins *register.Instance) error {
	grant, err := e.client.Grant(ctx, e.ttl)
	if err != nil {
		return err
	}
	e.leaseID = grant.ID
	val, err := json.Marshal(ins)
	if err != nil {
		return err
	}
	if _, err = e.client.Put(ctx, e.key(ins), string(val), clientv3.WithLease(e.leaseID)); err != nil {
		return err
	}
	ch, err := e.client.KeepAlive(ctx, e.leaseID)
	if err != nil {
		return err
	}
	e.keepaliveChan = ch
	safe.GoCtx(ctx, e.drainKeepalive)
	logger.Info(ctx, "registered in etcd", zap.String("key", e.key(ins)), zap.Int64("lease", int64(e.leaseID)))
	return nil
}

func (e *EtcdRegister) UnRegister(ctx context.Context, ins *register.Instance) error {
	if _, err := e.client.Delete(ctx, e.key(ins)); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if _, err := e.client.Revoke(ctx, e.leaseID); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}

// drainKeepalive 续约自动进行，这里只负责消费响应；通道关闭说明租约丢了
func (e *EtcdRegister) drainKeepalive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-e.keepaliveChan:
			if !ok {
				logger.Warn(ctx, "etcd keepalive channel closed", zap.Int64("lease", int64(e.leaseID)))
				return
			}
		}
	}
}

var _ register.Register = (*EtcdRegister)(nil)
