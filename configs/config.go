package configs

import (
	"fmt"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"log"
	"os"
)

type Config struct {
	ServerPort             string `envconfig:"SERVER_PORT" default:"8080"`
	WorkerHealthPort       string `envconfig:"WORKER_HEALTH_PORT" default:"8081"`
	ServerTimeOutInSeconds int64  `envconfig:"SERVER_TIME_OUT_IN_SECONDS" default:"5"`
	Database               DatabaseConfig
	RabbitMQ               RabbitMQConfig
	RedisConfig            RedisConfig
	Scorer                 ScorerConfig
	Moderation             ModerationConfig
}

type DatabaseConfig struct {
	Username     string `envconfig:"DB_USERNAME"`
	Password     string `envconfig:"DB_PASSWORD"`
	Host         string `envconfig:"DB_HOST"`
	Port         string `envconfig:"DB_PORT"`
	Database     string `envconfig:"DB_DATABASE"`
	DatabaseTest string `envconfig:"DB_DATABASE_TEST"`
	SSLMode      string `envconfig:"DB_SSL_MODE" default:"require"`
	PoolMaxConns int    `envconfig:"DB_POOL_MAX_CONNS" default:"1"`
}

type RabbitMQConfig struct {
	Username             string `envconfig:"RABBIT_USERNAME"`
	Password             string `envconfig:"RABBIT_PASSWORD"`
	Host                 string `envconfig:"RABBIT_HOST"`
	Port                 string `envconfig:"RABBIT_PORT"`
	ModerationQueueName  string `envconfig:"MODERATION_QUEUE_NAME" default:"moderation"`
	RetryQueueName       string `envconfig:"MODERATION_RETRY_QUEUE_NAME" default:"moderation_retry"`
	DeadLetterQueueName  string `envconfig:"MODERATION_DLQ_NAME" default:"moderation_dlq"`
	TestModerationPrefix string `envconfig:"TEST_MODERATION_QUEUE_PREFIX" default:"test_"`
}

type RedisConfig struct {
	Username string `envconfig:"REDIS_USERNAME"`
	Password string `envconfig:"REDIS_PASSWORD"`
	Host     string `envconfig:"REDIS_HOST"`
	Port     string `envconfig:"REDIS_PORT"`
	DBIndex  int32  `envconfig:"REDIS_DB_INDEX"`
}

type ScorerConfig struct {
	RatePerSecond    float64 `envconfig:"SCORER_RATE_PER_SECOND" default:"50"`
	Burst            int     `envconfig:"SCORER_BURST" default:"10"`
	TimeOutInSeconds int64   `envconfig:"SCORER_TIME_OUT_IN_SECONDS" default:"3"`
}

type ModerationConfig struct {
	MaxRetries              int   `envconfig:"MODERATION_MAX_RETRIES" default:"3"`
	RetryBaseDelayInSeconds int64 `envconfig:"MODERATION_RETRY_BASE_DELAY_IN_SECONDS" default:"5"`
	ConsumerPrefetch        int   `envconfig:"MODERATION_CONSUMER_PREFETCH" default:"1"`
}

// ToMigrationUri returns a string specifically for the migration package with the right prefix
func (d DatabaseConfig) ToMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
	)
}

// ToTestMigrationUri returns a string specifically for the migration package with the right prefix for test database
func (d DatabaseConfig) ToTestMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DatabaseTest,
		d.SSLMode,
	)
}

// ToDbConnectionUri returns a connection URI to be used with the pgx package
func (d DatabaseConfig) ToDbConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToTestDBConnectionUri returns a string specifically for running the integration tests
func (d DatabaseConfig) ToTestDBConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DatabaseTest,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToRabbitConnectionUri returns a connection URI to be used with the rabbitmq/amqp091-go package
func (d RabbitMQConfig) ToRabbitConnectionUri() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
	)
}

// GetMainQueueNames returns the names of the queues which must be declared before the server or
// the worker starts: the work queue, the retry (delay) queue and the dead-letter queue
func (d RabbitMQConfig) GetMainQueueNames() []string {
	return []string{d.ModerationQueueName, d.RetryQueueName, d.DeadLetterQueueName}
}

// GetMainQueueNamesForTest returns the same queue set with the test prefix, so that the
// integration tests never touch the real moderation queues
func (d RabbitMQConfig) GetMainQueueNamesForTest() []string {
	return []string{
		d.TestModerationPrefix + d.ModerationQueueName,
		d.TestModerationPrefix + d.RetryQueueName,
		d.TestModerationPrefix + d.DeadLetterQueueName,
	}
}

// ToRedisConnectionUri returns a connection URI to be used with the redis/go-redis/v9 package
func (d RedisConfig) ToRedisConnectionUri() string {
	return fmt.Sprintf("redis://%s:%s@%s:%s/%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DBIndex,
	)
}

func InitConfig() *Config {
	err := godotenv.Load()

	if err != nil && !os.IsNotExist(err) {
		log.Fatalf("Unable to load .env %v", err)
	}

	var cfg Config
	err = envconfig.Process("", &cfg)
	if err != nil {
		fmt.Print("Cannot load env")
	}

	return &cfg
}
