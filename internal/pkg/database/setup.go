package database

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

var DB *gorm.DB

// Config holds connection settings.
type Config struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// ConfigFromEnv reads DB_* settings.
func ConfigFromEnv() Config {
	driver := strings.ToLower(env.GetEnv("DB_DRIVER", DriverMySQL))
	defaultPort := "3306"
	if driver == DriverPostgres {
		defaultPort = "5432"
	}
	return Config{
		Driver:   driver,
		Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
		Port:     env.GetEnv("DB_PORT", defaultPort),
		User:     env.GetEnv("DB_USER", ""),
		Password: env.GetEnv("DB_PASSWORD", ""),
		Name:     env.GetEnv("DB_NAME", ""),
	}
}

// DSN builds the driver specific data source name. Timestamps are stored in UTC.
func (c Config) DSN() (string, error) {
	switch c.Driver {
	case DriverMySQL, "":
		// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Name), nil
	case DriverPostgres:
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			c.Host, c.User, c.Password, c.Name, c.Port), nil
	default:
		return "", fmt.Errorf("unsupported DB_DRIVER %q", c.Driver)
	}
}

// MigrateURL is the golang-migrate database URL for the configured driver.
func (c Config) MigrateURL() (string, error) {
	switch c.Driver {
	case DriverMySQL, "":
		return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
			c.User, c.Password, c.Host, c.Port, c.Name), nil
	case DriverPostgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.User, c.Password),
			Host:     c.Host + ":" + c.Port,
			Path:     "/" + c.Name,
			RawQuery: "sslmode=disable",
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("unsupported DB_DRIVER %q", c.Driver)
	}
}

// Dialector returns the GORM dialector for the configured driver.
func (c Config) Dialector() (gorm.Dialector, error) {
	dsn, err := c.DSN()
	if err != nil {
		return nil, err
	}
	if c.Driver == DriverPostgres {
		return postgres.Open(dsn), nil
	}
	return mysql.New(mysql.Config{
		DSN:                       dsn,  // data source name
		DefaultStringSize:         256,  // default size for string fields
		DontSupportRenameIndex:    true, // drop & create when rename index, rename index not supported before MySQL 5.7, MariaDB
		DontSupportRenameColumn:   true, // `change` when rename column, rename column not supported before MySQL 8, MariaDB
		SkipInitializeWithVersion: false,
	}), nil
}

// Open connects once without retries.
func Open(cfg Config) (*gorm.DB, error) {
	dialector, err := cfg.Dialector()
	if err != nil {
		return nil, err
	}
	return gorm.Open(dialector, &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
}

// AutoMigrate creates the tables the credit core reads and writes. Production
// schemas come from the migrations directory; this is for dev and tests.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Subscription{},
		&models.CreditLedgerEntry{},
	)
}

// SetupDatabase connects with retries and stores the handle in DB.
func SetupDatabase() {
	cfg := ConfigFromEnv()

	var err error
	for i := 0; i < maxRetries; i++ {
		DB, err = Open(cfg)
		if err == nil {
			if env.GetEnvBool("DB_AUTO_MIGRATE", env.IsDev()) {
				if err := AutoMigrate(DB); err != nil {
					log.Printf("Auto migration failed: %v", err)
				}
			}
			return
		}

		log.Printf("Failed to connect to %s database (try %d/%d): %v", cfg.Driver, i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retry in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}

// GetDB returns the shared handle, connecting on first use.
func GetDB() *gorm.DB {
	if DB == nil {
		SetupDatabase()
	}
	return DB
}
