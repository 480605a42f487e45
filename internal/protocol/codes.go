package protocol

// Connection roles, sent as the single first byte of a new reliable
// connection.
const (
	RoleClient   = 'C' // full client session
	RoleDownload = 'D' // secondary download socket; next byte is the slot id
	RolePing     = 'P' // liveness probe; server echoes 'P' and closes
)

// Reliable dispatch codes (first byte of a decoded payload).
const (
	CodeReady   = 'H' // client finished loading the map
	CodeChat    = 'C' // chat message: "C:<nick>:<msg>"
	CodeVehicle = 'O' // vehicle subcommand, see Vehicle* below
	CodeEvent   = 'E' // named client event: "E:<name>:<data>"
	CodeNotify  = 'N' // opaque broadcast, relayed to everyone else
)

// State-sync codes relayed verbatim to all other sessions. The contiguous
// byte range matters: the session pump tests 'V' <= b <= 'Y'.
const (
	CodeSyncLow  = 'V'
	CodeSyncHigh = 'Y'
)

// Vehicle subcommands (second byte of an 'O' payload).
const (
	VehicleSpawn  = 's'
	VehicleDelete = 'd'
	VehicleEdit   = 'c'
	VehicleReset  = 'r'
	VehicleBroken = 't'
	VehicleFocus  = 'm'
)

// Datagram sub-codes (byte 2, after the slot prefix byte and context byte).
const (
	DatagramPing     = 'p'
	DatagramPosition = 'Z'
	DatagramOther    = 'X'
)

// Server-to-client prefixes.
const (
	CodeKick      = 'K' // "K<reason>"
	CodeSlot      = 'P' // "P<slot>" sent on sync entry
	CodeMap       = 'M' // "M/levels/<map>/info.json"
	CodeJoinText  = 'J' // welcome / disconnect announcements
	CodeNickSync  = 'S' // "Sn<nick>", "Ss<online roster>"
	CodeAuthOK    = 'A' // version accepted, key expected next
	CodeModOK     = "AG"
	CodeModDenied = "CO"
)
