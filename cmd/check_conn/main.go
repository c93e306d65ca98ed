// check_conn probes a database endpoint the way the server's connection
// test does, without touching the metadata store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"dbdesk/internal/core"
	"dbdesk/internal/service"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	dialect := flag.String("type", "mysql", "connection type: mysql, postgresql, sqlite")
	host := flag.String("host", "127.0.0.1", "host")
	port := flag.Int("port", 3306, "port")
	user := flag.String("user", "", "username")
	password := flag.String("password", "", "password")
	database := flag.String("db", "", "database (file path for sqlite)")
	flag.Parse()

	// Throwaway key: nothing is persisted here.
	crypto, err := service.NewEncryptionService("check-conn-0123456789abcdef0123456789abcdef")
	if err != nil {
		fmt.Println("init:", err)
		os.Exit(1)
	}
	registry := service.NewRegistry(noStore{}, crypto)

	cfg := &core.Connection{
		Name:     "probe",
		Type:     core.Dialect(*dialect),
		Host:     *host,
		Port:     *port,
		Username: *user,
		Database: *database,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := registry.Test(ctx, cfg, *password, ""); err != nil {
		fmt.Println("FAILED:", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

// noStore satisfies the repository interface for probe-only use.
type noStore struct{}

func (noStore) Create(*core.Connection) error              { return nil }
func (noStore) GetAll() ([]core.Connection, error)         { return nil, nil }
func (noStore) GetByID(string) (*core.Connection, error)   { return nil, fmt.Errorf("no store") }
func (noStore) GetByName(string) (*core.Connection, error) { return nil, fmt.Errorf("no store") }
func (noStore) Update(*core.Connection) error              { return nil }
func (noStore) Delete(string) error                        { return nil }
