/*
Package config loads the lookout server configuration.

Values are layered, later layers winning:

 1. built-in defaults (Default)
 2. a YAML file passed with --config
 3. LOOKOUT_* environment variables, including those from a local .env file
 4. command-line flags applied by cmd/lookout

Example file:

	http_addr: 0.0.0.0:8080
	grpc_addr: 0.0.0.0:9090
	data_dir: /var/lib/lookout
	log:
	  level: info
	  json: true
	hub:
	  shards: 32
	  outbox_size: 64
	  push_timeout: 5s
	auth:
	  user_header: X-Lookout-User
	  admins: [admin]
	websocket:
	  ping_interval: 30s
	  allowed_origins: [https://monitor.example.com]

Durations use Go syntax (5s, 1m30s). An empty grpc_addr disables the gRPC
listener.
*/
package config
