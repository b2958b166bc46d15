package domain

import "time"

type User struct {
	ID         int32     `json:"id"`
	IsVerified bool      `json:"is_verified"`
	CreatedAt  time.Time `json:"created_at"`
}

type Ad struct {
	ID          int32     `json:"id"`
	SellerID    int32     `json:"seller_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    int32     `json:"category"`
	ImagesQty   int32     `json:"images_qty"`
	IsClosed    bool      `json:"is_closed"`
	CreatedAt   time.Time `json:"created_at"`
}

// AdWithSeller is an ad joined with its seller, which is everything the scorer
// needs to build a feature vector in one storage round trip.
type AdWithSeller struct {
	AdID             int32  `json:"ad_id"`
	SellerID         int32  `json:"seller_id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Category         int32  `json:"category"`
	ImagesQty        int32  `json:"images_qty"`
	IsVerifiedSeller bool   `json:"is_verified_seller"`
}

type RouterRequestCreateUser struct {
	IsVerified bool `json:"is_verified"`
}

type RouterRequestCreateAd struct {
	SellerID    int32  `json:"seller_id" binding:"required,gte=1"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description" binding:"required,validate_description"`
	Category    int32  `json:"category" binding:"gte=0"`
	ImagesQty   int32  `json:"images_qty" binding:"gte=0,lte=10"`
}

type RouterRequestPredict struct {
	SellerID         int32  `json:"seller_id" binding:"required,gte=1"`
	IsVerifiedSeller bool   `json:"is_verified_seller"`
	ItemID           int32  `json:"item_id" binding:"required,gte=1"`
	Name             string `json:"name" binding:"required"`
	Description      string `json:"description" binding:"required,validate_description"`
	Category         int32  `json:"category" binding:"gte=0"`
	ImagesQty        int32  `json:"images_qty" binding:"gte=0,lte=10"`
}
