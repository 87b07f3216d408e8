package booking_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/railbook/booking"
)

func TestParseSeat(t *testing.T) {
	tests := []struct {
		raw   string
		total int
		want  string
		err   bool
	}{
		{"1", 10, "1", false},
		{"10", 10, "10", false},
		{" 7 ", 10, "7", false},
		{"007", 10, "7", false},
		{"0", 10, "", true},
		{"11", 10, "", true},
		{"-3", 10, "", true},
		{"", 10, "", true},
		{"B2-45", 10, "", true},
		{"1", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q/%d", tt.raw, tt.total), func(t *testing.T) {
			got, err := booking.ParseSeat(tt.raw, tt.total)
			if tt.err {
				assert.ErrorIs(t, err, booking.ErrInvalidSeat)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want booking.Kind
	}{
		{booking.ErrTrainNotFound, booking.KindNotFound},
		{booking.ErrBookingNotFound, booking.KindNotFound},
		{booking.ErrUserNotFound, booking.KindNotFound},
		{fmt.Errorf("%w: booking:read", booking.ErrForbidden), booking.KindForbidden},
		{booking.ErrInvalidSeat, booking.KindInvalidInput},
		{booking.ErrNoChange, booking.KindInvalidInput},
		{booking.ErrSeatTaken, booking.KindConflict},
		{booking.ErrTrainFull, booking.KindConflict},
		{booking.ErrAlreadyCancelled, booking.KindConflict},
		{errors.New("disk on fire"), booking.KindUnexpected},
		{&booking.Error{Kind: booking.KindConflict, Op: "x", Err: errors.New("y")}, booking.KindConflict},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, booking.KindOf(tt.err))
		})
	}
}

func TestStatus_Occupies(t *testing.T) {
	assert.True(t, booking.Booking{Status: booking.StatusBooked}.Occupies())
	assert.False(t, booking.Booking{Status: booking.StatusCancelled}.Occupies())
	assert.False(t, booking.Booking{Status: booking.StatusWaiting}.Occupies())
	assert.False(t, booking.Status("pending").Valid())
}
