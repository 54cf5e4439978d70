package etcd

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"Storyloom/backend/go/internal/config"
	"Storyloom/backend/go/pkg/logger"
	"Storyloom/backend/go/pkg/models"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrNoInstances 表示服务当前没有任何已注册的实例。
var ErrNoInstances = errors.New("no registered instances")

// ServiceDiscovery 基于 etcd 租约实现服务注册与发现。
// 键的格式为 <prefix>/<service>/<addr>，值为实例地址。
type ServiceDiscovery struct {
	kv     clientv3.KV
	lease  clientv3.Lease
	client *clientv3.Client
	prefix string
	logger *logger.Logger
}

// NewServiceDiscovery 连接 discovery.endpoints 中的 etcd 集群。
func NewServiceDiscovery(cfg *config.DiscoveryConfig, log *logger.Logger) (*ServiceDiscovery, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	d := newWithClients(cli, cli, cfg.Prefix, log)
	d.client = cli
	return d, nil
}

func newWithClients(kv clientv3.KV, lease clientv3.Lease, prefix string, log *logger.Logger) *ServiceDiscovery {
	if log == nil {
		log = logger.NewNop()
	}
	return &ServiceDiscovery{
		kv:     kv,
		lease:  lease,
		prefix: "/" + strings.Trim(prefix, "/"),
		logger: log,
	}
}

func (s *ServiceDiscovery) serviceKey(service string) string {
	return path.Join(s.prefix, service) + "/"
}

// Register 以 ttl 秒的租约注册实例并持续续约。
// 返回的 stop 停止续约并撤销租约，可重复调用。
func (s *ServiceDiscovery) Register(ctx context.Context, service, addr string, ttl int64) (func(), error) {
	grant, err := s.lease.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("grant lease: %w", err)
	}
	key := s.serviceKey(service) + addr
	if _, err := s.kv.Put(ctx, key, addr, clientv3.WithLease(grant.ID)); err != nil {
		return nil, fmt.Errorf("register %s: %w", key, err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	keepAlive, err := s.lease.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("keep lease alive: %w", err)
	}

	log := s.logger.WithField("service", service).WithField("address", addr)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range keepAlive {
		}
		if keepCtx.Err() == nil {
			log.Warn("Service lease lost, instance is no longer discoverable")
		}
	}()
	log.WithField("key", key).Info("Service registered")

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
			revokeCtx, revokeCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer revokeCancel()
			if _, err := s.lease.Revoke(revokeCtx, grant.ID); err != nil {
				log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to revoke service lease")
				return
			}
			log.Info("Service deregistered")
		})
	}
	return stop, nil
}

// Discover 返回服务所有已注册实例的地址，按字典序排列。
func (s *ServiceDiscovery) Discover(ctx context.Context, service string) ([]string, error) {
	resp, err := s.kv.Get(ctx, s.serviceKey(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	addrs := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		addrs = append(addrs, string(kv.Value))
	}
	sort.Strings(addrs)
	return addrs, nil
}

// HealthCheck 通过一次读取确认 etcd 可用。
func (s *ServiceDiscovery) HealthCheck(ctx context.Context) error {
	_, err := s.kv.Get(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	return err
}

// Resolver 返回在服务实例之间轮询的地址解析器。
func (s *ServiceDiscovery) Resolver(service string) *Resolver {
	return &Resolver{discovery: s, service: service}
}

// Close 关闭 etcd 客户端。
func (s *ServiceDiscovery) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Resolver 每次调用时重新查询实例列表，并按轮询顺序挑选一个。
type Resolver struct {
	discovery *ServiceDiscovery
	service   string
	next      atomic.Uint64
}

// Endpoint 返回一个实例的基础 URL，地址缺少协议时补全为 http。
func (r *Resolver) Endpoint(ctx context.Context) (string, error) {
	addrs, err := r.discovery.Discover(ctx, r.service)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%s: %w", r.service, ErrNoInstances)
	}
	addr := addrs[(r.next.Add(1)-1)%uint64(len(addrs))]
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr, nil
}
