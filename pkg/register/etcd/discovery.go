package etcd

import (
	"context"
	"fmt"
	"sort"

	"github.com/segmentio/encoding/json"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"tokenex.com/pkg/register"
)

// Discovery 列出某个服务当前活着的实例，按 ID 排序；解不开的 value 跳过
func Discovery(ctx context.Context, client *clientv3.Client, basePath string, serviceName string) ([]register.Instance, error) {
	res, err := client.Get(ctx, fmt.Sprintf("%s/%s/", basePath, serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	return decodeInstances(res.Kvs), nil
}

func decodeInstances(kvs []*mvccpb.KeyValue) []register.Instance {
	out := make([]register.Instance, 0, len(kvs))
	for _, kv := range kvs {
		var ins register.Instance
		if err := json.Unmarshal(kv.Value, &ins); err != nil || ins.ID == "" {
			continue
		}
		out = append(out, ins)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Leader 返回持有主节点锁的实例，没有返回 nil
func Leader(instances []register.Instance) *register.Instance {
	for i := range instances {
		if instances[i].MetaData[register.MetaLeader] == "true" {
			return &instances[i]
		}
	}
	return nil
}
