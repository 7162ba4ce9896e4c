package config

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const EnvPrefix = "TOKENEX"

// Load 读取 config/{service}.yaml，环境变量可覆盖，例如：
//
//	TOKENEX_HTTP_ADDR 覆盖 http.addr
//	TOKENEX_FEE_PERCENT 覆盖 fee.percent
func Load(service string, out any, paths ...string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tokenex")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())
	return v, nil
}

// LoadAndWatch 在 Load 之外监听文件变更。
// out 只在启动时写一次；热更新的字段由 onChange 自己从 v 里读，避免和读者并发写同一个结构体。
func LoadAndWatch(service string, out any, onChange func(v *viper.Viper)) (*viper.Viper, error) {
	v, err := Load(service, out)
	if err != nil {
		return nil, err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)
		if onChange != nil {
			onChange(v)
		}
	})
	v.WatchConfig()
	return v, nil
}
