package conf

import (
	"fmt"
	"time"
)

type Bootstrap struct {
	Server *Server `yaml:"server" json:"server"`
	Data   *Data   `yaml:"data" json:"data"`
	Client *Client `yaml:"client" json:"client"`
	Sweep  *Sweep  `yaml:"sweep" json:"sweep"`
	Log    *Log    `yaml:"log" json:"log"`
}

type Server struct {
	Http struct {
		Addr    string `yaml:"addr" json:"addr"`
		Timeout string `yaml:"timeout" json:"timeout"`
		// PushToken 推送端点共享令牌(为空时不校验)
		PushToken string `yaml:"push_token" json:"push_token"`
	} `yaml:"http" json:"http"`
}

type Data struct {
	Database struct {
		Driver          string `yaml:"driver" json:"driver"`
		Source          string `yaml:"source" json:"source"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns"`
		ConnMaxLifetime string `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	} `yaml:"database" json:"database"`
	Redis struct {
		Addr         string `yaml:"addr" json:"addr"`
		Password     string `yaml:"password" json:"password"`
		Db           int32  `yaml:"db" json:"db"`
		ReadTimeout  string `yaml:"read_timeout" json:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout" json:"write_timeout"`
	} `yaml:"redis" json:"redis"`
}

type Client struct {
	GooglePlay *GooglePlay `yaml:"google_play" json:"google_play"`
}

type GooglePlay struct {
	// CredentialsFile 服务账号凭证文件路径(为空时降级为空客户端)
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	PackageName     string `yaml:"package_name" json:"package_name"`
	Timeout         string `yaml:"timeout" json:"timeout"`
}

type Sweep struct {
	HorizonDays int    `yaml:"horizon_days" json:"horizon_days"`
	Cron        string `yaml:"cron" json:"cron"`
}

type Log struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	Output     string `yaml:"output" json:"output"`
	FilePath   string `yaml:"file_path" json:"file_path"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// QueryTimeout 账单后台查询超时时间(默认 10s)
func (g *GooglePlay) QueryTimeout() time.Duration {
	if g != nil && g.Timeout != "" {
		if d, err := time.ParseDuration(g.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return 10 * time.Second
}

// Validate validates the configuration
func (b *Bootstrap) Validate() error {
	if b.Server == nil {
		return fmt.Errorf("server configuration is required")
	}
	if b.Server.Http.Addr == "" {
		return fmt.Errorf("server.http.addr is required")
	}
	if b.Data == nil {
		return fmt.Errorf("data configuration is required")
	}
	if b.Data.Database.Source == "" {
		return fmt.Errorf("data.database.source is required")
	}
	if b.Client == nil || b.Client.GooglePlay == nil {
		return fmt.Errorf("client.google_play configuration is required")
	}
	if b.Client.GooglePlay.PackageName == "" {
		return fmt.Errorf("client.google_play.package_name is required")
	}
	if b.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	return nil
}
