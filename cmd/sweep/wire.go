//go:build wireinject
// +build wireinject

package main

import (
	"xinyuan_tech/iap-reconcile-service/internal/biz"
	"xinyuan_tech/iap-reconcile-service/internal/conf"
	"xinyuan_tech/iap-reconcile-service/internal/data"

	"github.com/google/wire"
)

// wireApp 初始化应用
func wireApp(*conf.Bootstrap) (*SweepApp, func(), error) {
	panic(wire.Build(
		// Logger
		newLogger,

		// Data 层
		data.ProviderSet,

		// Biz 层
		biz.ProviderSet,

		// App 结构
		wire.Struct(new(SweepApp), "*"),
	))
}
