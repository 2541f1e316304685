package main

import (
	"github.com/hotaru-social/nostr-ap-bridge/types"
)

type Config struct {
	ApConfig types.ApConfig `yaml:"apConfig"`
	Server   Server         `yaml:"server"`
	Limits   types.Limits   `yaml:"limits"`
	NodeInfo types.NodeInfo `yaml:"nodeInfo"`
	Relays   []string       `yaml:"relays"`
}

type Server struct {
	Dsn           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
}
