// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// A .env file in the working directory is loaded first, and a few well-known
// variables (PORT, DATABASE_URL, REDIS_URL, OSU_CLIENT_ID, OSU_CLIENT_SECRET,
// INTERNAL_TOKEN, TRADING_CLOSED, MAINTENANCE, LOG_LEVEL) override the
// file.
package config
