package schema

import (
	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Each message type carries MarshalCramberry/UnmarshalCramberry so that
// handlers can encode without knowing the concrete type.

func (m *HelloRequest) MarshalCramberry() ([]byte, error)  { return cramberry.Marshal(m) }
func (m *HelloRequest) UnmarshalCramberry(b []byte) error  { return cramberry.Unmarshal(b, m) }
func (m *HelloResponse) MarshalCramberry() ([]byte, error) { return cramberry.Marshal(m) }
func (m *HelloResponse) UnmarshalCramberry(b []byte) error { return cramberry.Unmarshal(b, m) }
func (m *HelloFinalize) MarshalCramberry() ([]byte, error) { return cramberry.Marshal(m) }
func (m *HelloFinalize) UnmarshalCramberry(b []byte) error { return cramberry.Unmarshal(b, m) }

func (m *StatusRequest) MarshalCramberry() ([]byte, error)  { return cramberry.Marshal(m) }
func (m *StatusRequest) UnmarshalCramberry(b []byte) error  { return cramberry.Unmarshal(b, m) }
func (m *StatusResponse) MarshalCramberry() ([]byte, error) { return cramberry.Marshal(m) }
func (m *StatusResponse) UnmarshalCramberry(b []byte) error { return cramberry.Unmarshal(b, m) }

func (m *BlockData) MarshalCramberry() ([]byte, error) { return cramberry.Marshal(m) }
func (m *BlockData) UnmarshalCramberry(b []byte) error { return cramberry.Unmarshal(b, m) }

func (m *TransactionsAnnouncement) MarshalCramberry() ([]byte, error) {
	return cramberry.Marshal(m)
}
func (m *TransactionsAnnouncement) UnmarshalCramberry(b []byte) error {
	return cramberry.Unmarshal(b, m)
}
func (m *TransactionsRequest) MarshalCramberry() ([]byte, error)  { return cramberry.Marshal(m) }
func (m *TransactionsRequest) UnmarshalCramberry(b []byte) error  { return cramberry.Unmarshal(b, m) }
func (m *TransactionsResponse) MarshalCramberry() ([]byte, error) { return cramberry.Marshal(m) }
func (m *TransactionsResponse) UnmarshalCramberry(b []byte) error { return cramberry.Unmarshal(b, m) }
func (m *PostTransaction) MarshalCramberry() ([]byte, error)      { return cramberry.Marshal(m) }
func (m *PostTransaction) UnmarshalCramberry(b []byte) error      { return cramberry.Unmarshal(b, m) }

func (m *BlocksRequest) MarshalCramberry() ([]byte, error)  { return cramberry.Marshal(m) }
func (m *BlocksRequest) UnmarshalCramberry(b []byte) error  { return cramberry.Unmarshal(b, m) }
func (m *BlocksResponse) MarshalCramberry() ([]byte, error) { return cramberry.Marshal(m) }
func (m *BlocksResponse) UnmarshalCramberry(b []byte) error { return cramberry.Unmarshal(b, m) }

func (m *CommonBlockRequest) MarshalCramberry() ([]byte, error) { return cramberry.Marshal(m) }
func (m *CommonBlockRequest) UnmarshalCramberry(b []byte) error { return cramberry.Unmarshal(b, m) }
func (m *CommonBlockResponse) MarshalCramberry() ([]byte, error) {
	return cramberry.Marshal(m)
}
func (m *CommonBlockResponse) UnmarshalCramberry(b []byte) error {
	return cramberry.Unmarshal(b, m)
}

func (m *PexRequest) MarshalCramberry() ([]byte, error)  { return cramberry.Marshal(m) }
func (m *PexRequest) UnmarshalCramberry(b []byte) error  { return cramberry.Unmarshal(b, m) }
func (m *PexResponse) MarshalCramberry() ([]byte, error) { return cramberry.Marshal(m) }
func (m *PexResponse) UnmarshalCramberry(b []byte) error { return cramberry.Unmarshal(b, m) }
