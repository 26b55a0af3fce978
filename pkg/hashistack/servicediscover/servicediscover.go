package servicediscover

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"smallbiznis-licensing/pkg/config"
)

// Module registers the HTTP server with the consul agent at CONSUL.ADDR.
// Nothing is registered when the address is empty.
var Module = fx.Module("servicediscover", fx.Invoke(registerConsul))

type ServiceRegistry interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
}

type ConsulRegistry struct {
	agent     *api.Agent
	serviceID string
	service   *api.AgentServiceRegistration
}

func NewConfig(cfg *config.Config) *api.Config {
	c := api.DefaultConfig()
	c.Address = cfg.Consul.Addr
	return c
}

// NewRegistration describes the licensing HTTP server with a readiness check
// against /readyz.
func NewRegistration(cfg *config.Config, host string) (*api.AgentServiceRegistration, error) {
	port, err := strconv.Atoi(cfg.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("HTTP_SERVER.ADDR must be a port: %w", err)
	}

	scheme := "http"
	if cfg.TLS.Enable {
		scheme = "https"
	}

	return &api.AgentServiceRegistration{
		ID:      fmt.Sprintf("%s-%s-%d", cfg.AppName, host, port),
		Name:    cfg.AppName,
		Address: host,
		Port:    port,
		Tags:    []string{cfg.AppEnv, cfg.AppVersion},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("%s://%s:%d/readyz", scheme, host, port),
			Interval:                       "10s",
			Timeout:                        "5s",
			TLSSkipVerify:                  cfg.TLS.Enable,
			DeregisterCriticalServiceAfter: "1m",
		},
	}, nil
}

func NewConsulRegistry(client *api.Client, service *api.AgentServiceRegistration) *ConsulRegistry {
	return &ConsulRegistry{
		agent:     client.Agent(),
		serviceID: service.ID,
		service:   service,
	}
}

func (r *ConsulRegistry) Register(ctx context.Context) error {
	return r.agent.ServiceRegisterOpts(r.service, api.ServiceRegisterOpts{}.WithContext(ctx))
}

func (r *ConsulRegistry) Deregister(ctx context.Context) error {
	return r.agent.ServiceDeregisterOpts(r.serviceID, (&api.QueryOptions{}).WithContext(ctx))
}

func registerConsul(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.Consul.Addr == "" {
		return nil
	}

	host := cfg.Consul.ServiceHost
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return err
		}
		host = h
	}

	service, err := NewRegistration(cfg, host)
	if err != nil {
		return err
	}

	client, err := api.NewClient(NewConfig(cfg))
	if err != nil {
		return err
	}

	var registry ServiceRegistry = NewConsulRegistry(client, service)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			zap.L().Info("registering service", zap.String("service_id", service.ID), zap.String("consul_addr", cfg.Consul.Addr))
			return registry.Register(ctx)
		},
		OnStop: func(ctx context.Context) error {
			if err := registry.Deregister(ctx); err != nil {
				zap.L().Warn("failed to deregister service", zap.String("service_id", service.ID), zap.Error(err))
			}
			return nil
		},
	})
	return nil
}
