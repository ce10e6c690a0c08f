// Package app composes the custody ledger into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Domain models (custody, pricefeed)
//	├── storage/            # Store interfaces plus memory and postgres
//	├── services/           # valuation, ledger, capacity, access, transfer,
//	│                       # custody and pricefeed
//	├── events/             # Record fan-out (websocket hub, redis)
//	├── httpapi/            # HTTP API handlers and routing
//	├── system/             # Lifecycle manager
//	└── metrics/            # Prometheus collectors
//
// # Dependency Direction
//
//	cmd/kipubank/
//	      │
//	      ▼
//	internal/app/httpapi ──► internal/app (composition)
//	                               │
//	                               ├──► services/custody ──► valuation, ledger,
//	                               │                        capacity, access, transfer
//	                               ├──► services/pricefeed
//	                               └──► storage/{memory,postgres}
//
// Business rules live under services/. This package only wires them
// together and owns their lifecycle.
package app
