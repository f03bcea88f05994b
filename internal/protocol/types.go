package protocol

// Direction is the facing of an avatar.
type Direction string

const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// Position is an avatar position on the map.
type Position struct {
	X         int32     `cbor:"x"`
	Y         int32     `cbor:"y"`
	Direction Direction `cbor:"direction"`
	Moving    bool      `cbor:"moving"`
}

// Point is a bare map coordinate, used for group centers.
type Point struct {
	X int32 `cbor:"x"`
	Y int32 `cbor:"y"`
}

// Viewport is the rectangle of the map the client listens to.
type Viewport struct {
	Left   int32 `cbor:"left"`
	Top    int32 `cbor:"top"`
	Right  int32 `cbor:"right"`
	Bottom int32 `cbor:"bottom"`
}
