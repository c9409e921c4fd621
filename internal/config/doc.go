// Package config 负责加载后台进程的 JSON 配置，并为未填写的字段补齐默认值。
// 配置文件路径由命令行 --config 或环境变量 WALLET_CONFIG 指定。
package config
