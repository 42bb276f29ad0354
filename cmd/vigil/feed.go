package main

import (
	"log/slog"
	"time"

	"github.com/hyperengineering/vigil/internal/config"
	"github.com/hyperengineering/vigil/internal/feed"
	"github.com/hyperengineering/vigil/pkg/feedclient"
)

// feedOptions converts the feed section of cfg into coordinator options.
func feedOptions(cfg *config.Config) feed.Options {
	opts := feed.DefaultOptions()
	opts.Debounce = time.Duration(cfg.Feed.Debounce)
	opts.MaxRetries = uint(cfg.Feed.MaxRetries)
	opts.HeartbeatInterval = time.Duration(cfg.Feed.HeartbeatInterval)
	opts.CrossReplicaEnabled = cfg.Feed.CrossReplicaEnabled
	opts.CrossReplicaDelay = time.Duration(cfg.Feed.CrossReplicaDelay)
	opts.RetryBaseDelay = time.Duration(cfg.Feed.RetryBaseDelay)
	opts.RetryMaxDelay = time.Duration(cfg.Feed.RetryMaxDelay)
	if len(cfg.Feed.Tables) > 0 {
		opts.Tables = cfg.Feed.Tables
	}
	if cfg.Broadcast.Topic != "" {
		opts.BroadcastTopic = cfg.Broadcast.Topic
	}
	return opts
}

func newClient(cfg *config.Config, logger *slog.Logger) (*feedclient.Client, error) {
	return feedclient.New(feedclient.Config{
		BaseURL:            cfg.Client.BaseURL,
		APIKey:             cfg.Auth.APIKey,
		Timeout:            time.Duration(cfg.Client.Timeout),
		ReconnectBaseDelay: time.Duration(cfg.Client.ReconnectBaseDelay),
		ReconnectMaxDelay:  time.Duration(cfg.Client.ReconnectMaxDelay),
		Logger:             logger,
	})
}
