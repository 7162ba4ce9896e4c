package register

import "context"

// MetaLeader 元数据里标记主节点的 key，值为 "true"/"false"
const MetaLeader = "leader"

// Instance 注册中心里的一条实例信息
type Instance struct {
	ID       string            `json:"id"`       // hostname-pid 或 uuid
	Name     string            `json:"name"`     // 服务名称 eg:"exchange-service"
	Addr     string            `json:"addr"`     // ip:port
	MetaData map[string]string `json:"metadata"` // 版本、是否 leader 等
}

type Register interface {
	Register(ctx context.Context, ins *Instance) error
	UnRegister(ctx context.Context, ins *Instance) error
}
