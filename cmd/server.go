package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/brainlytree/canopy/internal/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the protocol engine",
	Long: `Run the protocol engine that:
- Receives device hellos and chunked image uploads over MQTT
- Buffers chunks in Redis and assembles completed images
- Books wakes into per-site daily sessions in PostgreSQL
- Dispatches queued device commands during wake windows
- Publishes completed images to the RabbitMQ scoring queue`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server-specific flags
	serverCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serverCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serverCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serverCmd.Flags().String("db-password", "", "PostgreSQL password")
	serverCmd.Flags().String("db-name", "canopy", "PostgreSQL database name")
	serverCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	serverCmd.Flags().String("broker-url", "tcp://localhost:1883", "MQTT broker URL")
	serverCmd.Flags().String("broker-client-id", "canopy-server", "MQTT client ID")
	serverCmd.Flags().String("broker-username", "", "MQTT username")
	serverCmd.Flags().String("broker-password", "", "MQTT password")
	serverCmd.Flags().String("redis-addr", "localhost:6379", "Redis address for the chunk buffer")
	serverCmd.Flags().String("redis-password", "", "Redis password")
	serverCmd.Flags().Int("redis-db", 0, "Redis database number")
	serverCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL for the scoring queue")
	serverCmd.Flags().String("image-dir", "/var/lib/canopy/images", "Directory for assembled images")
	serverCmd.Flags().Int("metrics-port", 9100, "Prometheus metrics port")

	// Bind flags to viper
	_ = viper.BindPFlag("server.db.host", serverCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("server.db.port", serverCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("server.db.user", serverCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("server.db.password", serverCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("server.db.name", serverCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("server.db.sslmode", serverCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("server.broker.url", serverCmd.Flags().Lookup("broker-url"))
	_ = viper.BindPFlag("server.broker.client_id", serverCmd.Flags().Lookup("broker-client-id"))
	_ = viper.BindPFlag("server.broker.username", serverCmd.Flags().Lookup("broker-username"))
	_ = viper.BindPFlag("server.broker.password", serverCmd.Flags().Lookup("broker-password"))
	_ = viper.BindPFlag("server.redis.addr", serverCmd.Flags().Lookup("redis-addr"))
	_ = viper.BindPFlag("server.redis.password", serverCmd.Flags().Lookup("redis-password"))
	_ = viper.BindPFlag("server.redis.db", serverCmd.Flags().Lookup("redis-db"))
	_ = viper.BindPFlag("server.rabbitmq.url", serverCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("server.image_dir", serverCmd.Flags().Lookup("image-dir"))
	_ = viper.BindPFlag("server.metrics.port", serverCmd.Flags().Lookup("metrics-port"))
}

func runServer(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting protocol engine")

	// Create server configuration from viper
	config := &server.ServerConfig{
		Logger:         logger,
		DBHost:         viper.GetString("server.db.host"),
		DBPort:         viper.GetInt("server.db.port"),
		DBUser:         viper.GetString("server.db.user"),
		DBPassword:     viper.GetString("server.db.password"),
		DBName:         viper.GetString("server.db.name"),
		DBSSLMode:      viper.GetString("server.db.sslmode"),
		BrokerURL:      viper.GetString("server.broker.url"),
		BrokerClientID: viper.GetString("server.broker.client_id"),
		BrokerUsername: viper.GetString("server.broker.username"),
		BrokerPassword: viper.GetString("server.broker.password"),
		RedisAddr:      viper.GetString("server.redis.addr"),
		RedisPassword:  viper.GetString("server.redis.password"),
		RedisDB:        viper.GetInt("server.redis.db"),
		RabbitMQURL:    viper.GetString("server.rabbitmq.url"),
		ImageDir:       viper.GetString("server.image_dir"),
		MetricsPort:    viper.GetInt("server.metrics.port"),
	}

	srv, err := server.NewServer(config)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return err
	}

	logger.Info("server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"broker_url", config.BrokerURL,
		"redis_addr", config.RedisAddr,
		"rabbitmq_url", config.RabbitMQURL,
		"image_dir", config.ImageDir,
		"metrics_port", config.MetricsPort,
	)

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}
