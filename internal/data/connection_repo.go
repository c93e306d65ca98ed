package data

import (
	"database/sql"
	"dbdesk/internal/core"
)

type ConnectionRepo struct {
	db *sql.DB
}

func NewConnectionRepo(db *sql.DB) *ConnectionRepo {
	return &ConnectionRepo{db: db}
}

const connectionColumns = `id, name, type, host, port, username, password_enc, database_name, use_ssl, ssh_host, ssh_port, ssh_username, ssh_password_enc`

func (r *ConnectionRepo) Create(conn *core.Connection) error {
	ssh := conn.SSHTunnel
	if ssh == nil {
		ssh = &core.SSHTunnel{}
	}
	_, err := r.db.Exec(`INSERT INTO connections (`+connectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.Name, string(conn.Type), conn.Host, conn.Port, conn.Username, conn.PasswordEnc,
		conn.Database, boolToInt(conn.UseSSL), ssh.Host, ssh.Port, ssh.Username, ssh.PasswordEnc)
	return err
}

func (r *ConnectionRepo) GetAll() ([]core.Connection, error) {
	rows, err := r.db.Query(`SELECT ` + connectionColumns + ` FROM connections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connections []core.Connection
	for rows.Next() {
		c, err := scanConnection(rows.Scan)
		if err != nil {
			return nil, err
		}
		connections = append(connections, *c)
	}
	return connections, rows.Err()
}

func (r *ConnectionRepo) GetByID(id string) (*core.Connection, error) {
	row := r.db.QueryRow(`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	return scanConnection(row.Scan)
}

func (r *ConnectionRepo) GetByName(name string) (*core.Connection, error) {
	row := r.db.QueryRow(`SELECT `+connectionColumns+` FROM connections WHERE name = ?`, name)
	return scanConnection(row.Scan)
}

func (r *ConnectionRepo) Update(conn *core.Connection) error {
	ssh := conn.SSHTunnel
	if ssh == nil {
		ssh = &core.SSHTunnel{}
	}
	_, err := r.db.Exec(`UPDATE connections SET name=?, type=?, host=?, port=?, username=?, password_enc=?, database_name=?, use_ssl=?, ssh_host=?, ssh_port=?, ssh_username=?, ssh_password_enc=? WHERE id=?`,
		conn.Name, string(conn.Type), conn.Host, conn.Port, conn.Username, conn.PasswordEnc,
		conn.Database, boolToInt(conn.UseSSL), ssh.Host, ssh.Port, ssh.Username, ssh.PasswordEnc, conn.ID)
	return err
}

func (r *ConnectionRepo) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM connections WHERE id=?`, id)
	return err
}

func scanConnection(scan func(dest ...interface{}) error) (*core.Connection, error) {
	var c core.Connection
	var dialect string
	// SQLite stores booleans as integers (0 or 1)
	var useSSL int
	var ssh core.SSHTunnel
	err := scan(&c.ID, &c.Name, &dialect, &c.Host, &c.Port, &c.Username, &c.PasswordEnc,
		&c.Database, &useSSL, &ssh.Host, &ssh.Port, &ssh.Username, &ssh.PasswordEnc)
	if err != nil {
		return nil, err
	}
	c.Type = core.Dialect(dialect)
	c.UseSSL = useSSL == 1
	if ssh.Host != "" {
		c.SSHTunnel = &ssh
	}
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
