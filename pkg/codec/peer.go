package codec

// Role роль локального устройства в потоке
type Role int

const (
	RoleSource Role = iota
	RoleSink
)

func (r Role) String() string {
	if r == RoleSink {
		return "sink"
	}
	return "source"
}

// MaxEndpoints максимум запоминаемых конечных точек одного направления
const MaxEndpoints = 5

// Endpoint конечная точка потока (SEP) пира
type Endpoint struct {
	Index      int // индекс в результатах обнаружения
	SEID       uint8
	CodecType  CodecType
	Caps       []byte // информационный элемент кодека как есть
	Protect    []byte // дескрипторы защиты контента
	NumProtect int
}

// Peer одно удаленное устройство в пределах сессии.
// Создается при обнаружении и очищается при закрытии.
type Peer struct {
	Addr string

	NumSeps      int
	NumSinks     int
	NumSources   int
	NumRxSinks   int
	NumRxSources int

	Sinks    []Endpoint
	Sources  []Endpoint
	Selected *Endpoint

	Config         []byte // согласованный информационный элемент
	MTU            int
	CPActive       bool
	Acceptor       bool
	ReconfigNeeded bool
	Opened         bool
}

// Reset очищает пира до пустого состояния
func (p *Peer) Reset() {
	*p = Peer{}
}

// Empty true если пир не привязан к устройству
func (p *Peer) Empty() bool {
	return p.Addr == "" && p.NumSeps == 0 && !p.Opened
}

func (p *Peer) addEndpoint(ep Endpoint, sink bool) bool {
	ep.Caps = append([]byte(nil), ep.Caps...)
	ep.Protect = append([]byte(nil), ep.Protect...)
	if sink {
		p.NumRxSinks++
		if len(p.Sinks) >= MaxEndpoints {
			return false
		}
		p.Sinks = append(p.Sinks, ep)
		return true
	}
	p.NumRxSources++
	if len(p.Sources) >= MaxEndpoints {
		return false
	}
	p.Sources = append(p.Sources, ep)
	return true
}
