package config

// DbSettings selects and configures the endpoint/event repository backend.
type DbSettings struct {
	Type     string `mapstructure:"type" validate:"required,oneof=postgres pgx mongo spanner memory"`
	DSN      string `mapstructure:"dsn"`
	URI      string `mapstructure:"uri"`
	DBName   string `mapstructure:"db_name"`
	Migrate  bool   `mapstructure:"migrate"`
	SeedFile string `mapstructure:"seed_file"`
}
