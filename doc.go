/*
Package depotsync is a tool for mirroring the keys and packages of a package depot origin.

depotsync makes the destination depot's content for one origin and channel a
superset of the source depot's, with features including:
  - Paginated catalog listing with stall detection
  - Latest version and latest release collapsing
  - A resume cache for interrupted runs
  - Checksum verified transfer and channel promotion
  - Per depot TLS settings
  - Atomic cache updates with file locking

The main packages are:

	github.com/mirrorctl/depotsync/internal/depot     - depot HTTP client and API
	github.com/mirrorctl/depotsync/internal/artifact  - artifact checksums and spooling
	github.com/mirrorctl/depotsync/internal/mirror    - configuration and the mirroring job
	github.com/mirrorctl/depotsync/internal/metrics   - run metrics
	github.com/mirrorctl/depotsync/cmd/depotsync      - Command-line interface
*/
package depotsync
