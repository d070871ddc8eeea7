// Package config holds the database connection settings shared by the example
// programs.
package config
